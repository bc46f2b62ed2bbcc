package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	return int(GetInt64(key, int64(fallback)))
}

// GetInt64 retrieves an environment variable as a 64-bit integer or returns fallback.
func GetInt64(key string, fallback int64) int64 {
	return parse(key, fallback, func(raw string) (int64, error) {
		return strconv.ParseInt(raw, 10, 64)
	})
}

// GetBool retrieves an environment variable as bool or returns fallback.
func GetBool(key string, fallback bool) bool {
	return parse(key, fallback, strconv.ParseBool)
}

// GetDuration accepts either a Go duration ("750ms", "2s") or a bare integer
// counted in unit, so INGEST_WRITE_TIMEOUT_MS=250 keeps working.
func GetDuration(key string, unit, fallback time.Duration) time.Duration {
	return parse(key, fallback, func(raw string) (time.Duration, error) {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return time.Duration(n) * unit, nil
		}
		return time.ParseDuration(raw)
	})
}

func parse[T any](key string, fallback T, fn func(string) (T, error)) T {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := fn(strings.TrimSpace(value))
	if err != nil {
		slog.Warn("invalid configuration value", "key", key, "error", err)
		return fallback
	}
	return parsed
}
