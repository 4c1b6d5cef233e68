// Package logger builds the structured logger shared by every SDK component.
// It wraps the standard library "log/slog" package so that level and format
// are chosen in one place and every component logs with the same attributes.
package logger

import (
	"io"
	"log/slog"
	"os"
)

// New creates a *slog.Logger writing to os.Stderr. An SDK must never claim
// stdout, which belongs to the host application.
func New(level, format string) *slog.Logger {
	return NewWithWriter(level, format, os.Stderr)
}

// NewWithWriter creates a *slog.Logger with the given level ("debug", "info",
// "warn", "error") and format ("text" or "json"), writing to w.
func NewWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		// Text is the default: SDK logs are read by humans on a terminal
		// far more often than they are shipped to a collector.
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler).With(slog.String("component", "bifrost"))
}

// NewDiscard returns a logger that drops everything, for tests and for
// applications that disable SDK logging.
func NewDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// parseLevel converts a string to slog.Level, case-insensitively. Unknown
// values fall back to INFO.
func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
