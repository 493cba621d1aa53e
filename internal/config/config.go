// Package config reads typed orchestrator settings from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/devicelab/fleetrunner/internal/env"
)

// Environment keys understood by the orchestrator.
const (
	EnvPollInterval     = "FLEETRUNNER_POLL_INTERVAL"
	EnvAllocTimeout     = "FLEETRUNNER_ALLOC_TIMEOUT"
	EnvHealthInterval   = "FLEETRUNNER_HEALTH_INTERVAL"
	EnvUnmatchableAfter = "FLEETRUNNER_UNMATCHABLE_AFTER"
	EnvIgnoredSerials   = "FLEETRUNNER_IGNORED_SERIALS"
	EnvDatabasePath     = "FLEETRUNNER_DB_PATH"
)

var ensureOnce sync.Once

func ensureEnvLoaded() {
	ensureOnce.Do(func() {
		_ = env.Ensure()
	})
}

// String returns the trimmed environment variable or fallback when unset.
func String(key, fallback string) string {
	ensureEnvLoaded()
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

// Duration parses a time duration from the environment or returns fallback.
func Duration(key string, fallback time.Duration) time.Duration {
	ensureEnvLoaded()
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}

// Int returns an integer environment variable or fallback when invalid.
func Int(key string, fallback int) int {
	ensureEnvLoaded()
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

// Bool parses a boolean environment variable.
func Bool(key string, fallback bool) bool {
	ensureEnvLoaded()
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		switch strings.ToLower(val) {
		case "1", "true", "yes":
			return true
		case "0", "false", "no":
			return false
		}
	}
	return fallback
}

// StringSlice splits a comma-separated environment variable, dropping empty
// entries.
func StringSlice(key string) []string {
	ensureEnvLoaded()
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
