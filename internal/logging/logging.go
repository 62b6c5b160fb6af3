// Package logging builds the process logger.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

// New returns a logger writing to output at level. format "json" selects the
// JSON handler; anything else writes text. Every record carries the service
// name and version.
func New(level slog.Level, format, version string, output io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "btlightd"),
		slog.String("version", version),
	})
	return slog.New(handler)
}
