// Package logging provides the gateway's process-level structured logger
// — startup/shutdown/config events, distinct from the per-request
// LogRecord ring the Log Buffer holds.
package logging

import (
	"log/slog"
	"os"
)

// New builds the gateway's slog.Logger: JSON to stdout, matching the
// structured-logging convention the rest of the stack's middleware
// (access log, admin surface errors) assumes.
func New() *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(h)
}
