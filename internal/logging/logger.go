// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"hive-trading-bot/config"
)

// New builds the root logger from configuration. Components derive their own
// sub-loggers via WithComponent.
func New(cfg config.LoggingConfig) zerolog.Logger {
	var out io.Writer = os.Stdout
	if !cfg.JSONFormat {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	level := parseLevel(cfg.Level)

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// WithComponent tags a logger with a component name.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
