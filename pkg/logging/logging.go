// Package logging configures the process-wide zerolog logger and hands out
// component-scoped sub-loggers, the same shape as the teacher's
// internal/logger package.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the process-wide logger. Initialize sets it up; until then it is
// zerolog's default (debug level and above, JSON to stderr), which is fine
// for tests.
var Log zerolog.Logger = log.Logger

// Initialize configures the global logger level and output format.
func Initialize(level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "sente-lite").Logger()
	Log.Info().Str("level", lvl.String()).Bool("pretty", pretty).Msg("logger initialized")
}

// Component returns a sub-logger tagged with the given component name, e.g.
// logging.Component("dispatcher").
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}
