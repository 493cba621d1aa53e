package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab/fleetrunner"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreDeviceRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rec := fleetrunner.DeviceRecord{
		Serial:     "SERIAL-1",
		State:      "available",
		Kind:       "physical",
		Battery:    85,
		Properties: map[string]string{"product-type": "hammerhead", "sdk-level": "23"},
		LastSeenAt: time.Now().UTC(),
	}
	require.NoError(t, store.UpsertDevice(ctx, rec))

	got, err := store.Device(ctx, "SERIAL-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Serial, got.Serial)
	assert.Equal(t, rec.State, got.State)
	assert.Equal(t, rec.Kind, got.Kind)
	assert.Equal(t, rec.Battery, got.Battery)
	assert.Equal(t, rec.Properties, got.Properties)
	assert.WithinDuration(t, rec.LastSeenAt, got.LastSeenAt, time.Second)

	// Upserting again replaces the row rather than duplicating it.
	rec.State = "unavailable"
	require.NoError(t, store.UpsertDevice(ctx, rec))
	got, err = store.Device(ctx, "SERIAL-1")
	require.NoError(t, err)
	assert.Equal(t, "unavailable", got.State)
}

func TestStoreCommandJournal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rec := fleetrunner.CommandRecord{
		CommandID: "cmd-1",
		State:     "running",
		Attempts:  1,
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.RecordCommand(ctx, rec))

	rec.State = "failed"
	rec.Attempts = 2
	rec.Classification = "device_lost"
	rec.Error = "device stopped responding"
	require.NoError(t, store.RecordCommand(ctx, rec))

	got, err := store.CommandHistory(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, "failed", got.State)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "device_lost", got.Classification)
	assert.Equal(t, "device stopped responding", got.Error)
}

func TestStoreProgressLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// No progress yet: nil without an error.
	got, err := store.LoadProgress(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	prog := &fleetrunner.ResumableProgress{
		CommandID:      "cmd-1",
		Attempt:        1,
		ResumeState:    []byte(`{"completed":["u1"]}`),
		CompletedUnits: []string{"u1"},
		CapturedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.SaveProgress(ctx, prog))

	got, err = store.LoadProgress(ctx, "cmd-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, prog.CommandID, got.CommandID)
	assert.Equal(t, prog.Attempt, got.Attempt)
	assert.Equal(t, prog.ResumeState, got.ResumeState)
	assert.Equal(t, prog.CompletedUnits, got.CompletedUnits)

	// A later attempt's snapshot replaces the earlier one.
	prog.Attempt = 2
	prog.CompletedUnits = []string{"u1", "u2"}
	require.NoError(t, store.SaveProgress(ctx, prog))
	got, err = store.LoadProgress(ctx, "cmd-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Attempt)
	assert.Len(t, got.CompletedUnits, 2)

	require.NoError(t, store.DeleteProgress(ctx, "cmd-1"))
	got, err = store.LoadProgress(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreRejectsNilProgress(t *testing.T) {
	store := newTestStore(t)
	require.Error(t, store.SaveProgress(context.Background(), nil))
}
