// Package env centralizes the env-var-with-fallback helpers every config
// struct in internal/config uses to resolve its overridable defaults.
package env

import (
	"os"
	"strconv"
	"time"
)

// Str returns the value of the environment variable key, or fallback if unset/empty.
func Str(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// Int returns key parsed as an int, or fallback if unset/empty/unparseable.
func Int(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// Float returns key parsed as a float64, or fallback if unset/empty/unparseable.
func Float(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// Bool returns key parsed as a bool, or fallback if unset/empty/unparseable.
func Bool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// DurationMs returns key parsed as an integer millisecond count and converted
// to a time.Duration, or fallbackMs if unset/empty/unparseable.
func DurationMs(key string, fallbackMs int) time.Duration {
	return time.Duration(Int(key, fallbackMs)) * time.Millisecond
}
