// Package logger builds the shared structured logger every subsystem
// writes through. Batched async RequestEvent delivery lives in
// internal/eventsink instead, which needs write-once-then-updated
// semantics a plain logger can't express.
package logger

import (
	"log/slog"
	"os"
)

// New builds a JSON slog.Logger for the given level string ("debug",
// "info", "warn", "error"). Unknown strings default to info. AddSource is
// only enabled at debug level, keeping production log lines compact.
func New(level string) *slog.Logger {
	l := ParseLevel(level)
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug,
	}))
}

// ParseLevel maps a config log_level string to a slog.Level.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
