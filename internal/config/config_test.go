package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	t.Setenv(EnvDatabasePath, " /tmp/fleet.db ")
	assert.Equal(t, "/tmp/fleet.db", String(EnvDatabasePath, "fallback"))
	assert.Equal(t, "fallback", String("FLEETRUNNER_TEST_UNSET", "fallback"))
}

func TestDuration(t *testing.T) {
	t.Setenv(EnvPollInterval, "750ms")
	assert.Equal(t, 750*time.Millisecond, Duration(EnvPollInterval, time.Second))

	t.Setenv(EnvAllocTimeout, "not-a-duration")
	assert.Equal(t, time.Minute, Duration(EnvAllocTimeout, time.Minute))
}

func TestInt(t *testing.T) {
	t.Setenv(EnvUnmatchableAfter, "25")
	assert.Equal(t, 25, Int(EnvUnmatchableAfter, 10))

	t.Setenv(EnvUnmatchableAfter, "lots")
	assert.Equal(t, 10, Int(EnvUnmatchableAfter, 10))
}

func TestStringSlice(t *testing.T) {
	t.Setenv(EnvIgnoredSerials, " serial-1, ,serial-2 ,")
	assert.Equal(t, []string{"serial-1", "serial-2"}, StringSlice(EnvIgnoredSerials))

	t.Setenv(EnvIgnoredSerials, "")
	assert.Nil(t, StringSlice(EnvIgnoredSerials))
}
