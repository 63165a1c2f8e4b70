package observability

import (
	"io"
	"log/slog"
	"strings"
)

// ParseLevel maps a config log level to a slog level. Unknown values map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// NewLogger creates a JSON logger writing to w, tagged with the service name.
func NewLogger(w io.Writer, level, service string) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
	if service != "" {
		logger = logger.With("service", service)
	}
	return logger
}
