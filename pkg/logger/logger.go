// Package logger builds the zerolog root logger the rest of the
// service derives its component loggers from.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config controls verbosity and output format.
type Config struct {
	Level  string // debug, info, warn or error; anything else means info
	Pretty bool   // Human-readable console output for dev runs
}

// New builds the root logger. Callers derive per-component loggers
// from it with With().Str("component", ...); nothing in this service
// logs through the zerolog package-level logger.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var output io.Writer = os.Stdout
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}
