// Package logging provides the process-wide slog.Logger every other
// internal package pulls from via L(), so a session, its endpoints, and its
// spectator hub all log through one configurable sink. Every logger this
// package hands out carries a "component" attribute identifying which
// rollback subsystem emitted the line, since a host embedding this library
// alongside its own game logs needs to filter rollback's own diagnostics
// out of its stream.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// componentAttr tags every logger this package constructs, so log lines
// from this library are filterable even when a host merges them into its
// own application log stream.
const componentAttr = "rollback"

// Global structured logger. Initialized with a reasonable text handler.
var logger atomic.Pointer[slog.Logger]

func init() {
	l := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})).With("component", componentAttr)
	logger.Store(l)
}

// L returns the current global logger.
func L() *slog.Logger { return logger.Load() }

// Set replaces the global logger.
func Set(l *slog.Logger) {
	if l != nil {
		logger.Store(l)
	}
}

// New creates a new logger with given level, format ("text" or "json"), and optional writer (defaults stderr).
func New(format string, level slog.Leveler, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var h slog.Handler
	switch format {
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(h).With("component", componentAttr)
}

// ForHandle returns a child logger tagged with a player/spectator handle,
// the attribute every session-level log line in this library keys on when
// diagnosing one peer's connection.
func ForHandle(handle int) *slog.Logger { return L().With("handle", handle) }
