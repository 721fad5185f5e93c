// Package logging configures the process-wide zerolog logger shared by the
// chat-dlp services.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup installs the global logger for the named service. LOG_LEVEL selects
// the level (debug, info, warn, error) and LOG_FORMAT=console switches from
// JSON lines to human-readable output.
func Setup(service string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(ParseLevel(os.Getenv("LOG_LEVEL")))

	var logger zerolog.Logger
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "console") {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	logger = logger.With().Timestamp().Str("service", service).Logger()

	log.Logger = logger
	zerolog.DefaultContextLogger = &logger
	return logger
}

// ParseLevel maps a LOG_LEVEL value to a zerolog level. Unknown or empty
// values fall back to info.
func ParseLevel(v string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Component returns a child of the global logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
