// Package logging configures structured logging for the service on top of
// log/slog.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

type Config struct {
	Level  string // debug, info, warn, error
	Format string // text, json
}

// FromEnv builds a logging config from LOG_LEVEL and LOG_FORMAT, defaulting
// to info-level JSON.
func FromEnv() Config {
	cfg := Config{Level: "info", Format: "json"}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Format = strings.ToLower(v)
	}
	return cfg
}

// New builds a slog.Logger from the config.
func New(cfg Config) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
