// Package storage persists the orchestrator's device snapshots, command
// journal, and resumable progress blobs to a local sqlite database.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/devicelab/fleetrunner"
	"github.com/devicelab/fleetrunner/internal/config"
)

const defaultDatabaseFile = "fleetrunner.db"

// Store implements fleetrunner.Recorder and fleetrunner.ProgressStore on a
// single sqlite database. Progress blobs are stored opaquely; the store
// never inspects them.
type Store struct {
	db *sql.DB
}

// ResolveDatabasePath returns the configured database path, defaulting to
// fleetrunner.db under the user cache directory.
func ResolveDatabasePath() (string, error) {
	if path := config.String(config.EnvDatabasePath, ""); path != "" {
		return path, nil
	}
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", errors.Wrap(err, "resolve user cache dir")
	}
	dir := filepath.Join(cacheDir, "fleetrunner")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create database dir")
	}
	return filepath.Join(dir, defaultDatabaseFile), nil
}

// Open opens (and migrates) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func configure(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrapf(err, "execute sqlite pragma %s failed", stmt)
		}
	}
	db.SetMaxOpenConns(1)
	return nil
}

func migrate(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			serial TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			kind TEXT NOT NULL,
			battery INTEGER NOT NULL,
			properties TEXT NOT NULL,
			last_seen_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS commands (
			command_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			classification TEXT NOT NULL,
			error TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS progress (
			command_id TEXT PRIMARY KEY,
			attempt INTEGER NOT NULL,
			resume_state BLOB,
			completed_units TEXT NOT NULL,
			captured_at TIMESTAMP NOT NULL
		);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "migrate sqlite schema failed")
		}
	}
	return nil
}

// UpsertDevice records the latest snapshot for a device.
func (s *Store) UpsertDevice(ctx context.Context, rec fleetrunner.DeviceRecord) error {
	props, err := json.Marshal(rec.Properties)
	if err != nil {
		return errors.Wrap(err, "encode device properties")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (serial, state, kind, battery, properties, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(serial) DO UPDATE SET
			state = excluded.state,
			kind = excluded.kind,
			battery = excluded.battery,
			properties = excluded.properties,
			last_seen_at = excluded.last_seen_at`,
		rec.Serial, rec.State, rec.Kind, rec.Battery, string(props), rec.LastSeenAt)
	return errors.Wrapf(err, "upsert device %s", rec.Serial)
}

// RecordCommand journals the latest state of a command.
func (s *Store) RecordCommand(ctx context.Context, rec fleetrunner.CommandRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (command_id, state, attempts, classification, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(command_id) DO UPDATE SET
			state = excluded.state,
			attempts = excluded.attempts,
			classification = excluded.classification,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		rec.CommandID, rec.State, rec.Attempts, rec.Classification, rec.Error, rec.UpdatedAt)
	return errors.Wrapf(err, "record command %s", rec.CommandID)
}

// Device returns the last recorded snapshot for a serial.
func (s *Store) Device(ctx context.Context, serial string) (fleetrunner.DeviceRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT serial, state, kind, battery, properties, last_seen_at FROM devices WHERE serial = ?`, serial)
	var rec fleetrunner.DeviceRecord
	var props string
	if err := row.Scan(&rec.Serial, &rec.State, &rec.Kind, &rec.Battery, &props, &rec.LastSeenAt); err != nil {
		return fleetrunner.DeviceRecord{}, errors.Wrapf(err, "load device %s", serial)
	}
	if err := json.Unmarshal([]byte(props), &rec.Properties); err != nil {
		return fleetrunner.DeviceRecord{}, errors.Wrap(err, "decode device properties")
	}
	return rec, nil
}

// CommandHistory returns the journal entry for a command.
func (s *Store) CommandHistory(ctx context.Context, commandID string) (fleetrunner.CommandRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT command_id, state, attempts, classification, error, updated_at FROM commands WHERE command_id = ?`, commandID)
	var rec fleetrunner.CommandRecord
	if err := row.Scan(&rec.CommandID, &rec.State, &rec.Attempts, &rec.Classification, &rec.Error, &rec.UpdatedAt); err != nil {
		return fleetrunner.CommandRecord{}, errors.Wrapf(err, "load command %s", commandID)
	}
	return rec, nil
}

// SaveProgress persists the resumable progress for a command, replacing any
// earlier attempt's snapshot.
func (s *Store) SaveProgress(ctx context.Context, prog *fleetrunner.ResumableProgress) error {
	if prog == nil {
		return errors.New("progress cannot be nil")
	}
	units, err := json.Marshal(prog.CompletedUnits)
	if err != nil {
		return errors.Wrap(err, "encode completed units")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO progress (command_id, attempt, resume_state, completed_units, captured_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(command_id) DO UPDATE SET
			attempt = excluded.attempt,
			resume_state = excluded.resume_state,
			completed_units = excluded.completed_units,
			captured_at = excluded.captured_at`,
		prog.CommandID, prog.Attempt, prog.ResumeState, string(units), prog.CapturedAt)
	return errors.Wrapf(err, "save progress for command %s", prog.CommandID)
}

// LoadProgress returns the stored progress for a command, nil when none
// exists.
func (s *Store) LoadProgress(ctx context.Context, commandID string) (*fleetrunner.ResumableProgress, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT command_id, attempt, resume_state, completed_units, captured_at FROM progress WHERE command_id = ?`, commandID)
	var prog fleetrunner.ResumableProgress
	var units string
	var capturedAt time.Time
	err := row.Scan(&prog.CommandID, &prog.Attempt, &prog.ResumeState, &units, &capturedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load progress for command %s", commandID)
	}
	if err := json.Unmarshal([]byte(units), &prog.CompletedUnits); err != nil {
		return nil, errors.Wrap(err, "decode completed units")
	}
	prog.CapturedAt = capturedAt
	return &prog, nil
}

// DeleteProgress discards the stored progress for a command.
func (s *Store) DeleteProgress(ctx context.Context, commandID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM progress WHERE command_id = ?`, commandID)
	return errors.Wrapf(err, "delete progress for command %s", commandID)
}
