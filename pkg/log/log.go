// Package log configures the process-wide slog logger shared by the server
// and the agent.
package log

import (
	"log/slog"
	"os"
	"strings"
)

// Setup installs the default logger at the given level. Unknown levels fall
// back to info. Every record carries the service attribute so logs from the
// server and the agent stay attributable when aggregated.
func Setup(logLevel string) {
	var level slog.Level

	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})

	slog.SetDefault(slog.New(handler).With("service", "hoist"))
}

// WithModule returns a logger scoped to one subsystem.
func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}
