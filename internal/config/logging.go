package config

import (
	"io"
	"log/slog"
	"strings"
)

// SetupLogger builds the process logger from the log section and installs it as default.
func SetupLogger(c *Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(c.Log.Level)}
	var handler slog.Handler
	if c.Log.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
