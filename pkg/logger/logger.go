package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const EnvProd = "prod"

// New builds the process logger on stdout.
func New(lvl string, addSource bool, environment string) *slog.Logger {
	return NewWriter(os.Stdout, lvl, addSource, environment)
}

// NewWriter builds a logger on w. The prod environment logs JSON, every other
// environment logs text. Every record carries the environment.
func NewWriter(w io.Writer, lvl string, addSource bool, environment string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(lvl),
		AddSource: addSource,
	}

	var handler slog.Handler
	if strings.EqualFold(environment, EnvProd) {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler).With(
		slog.String("environment", environment),
	)
}

// ParseLevel maps a level name to a slog level, defaulting to info.
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
