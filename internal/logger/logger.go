// Package logger builds the service's structured zerolog logger.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // console output for development
	Output     io.Writer
	WithCaller bool
}

// New creates the root logger. Every line carries service=wiser.
func New(cfg Config) zerolog.Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	l := zerolog.New(output).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", "wiser").
		Logger()
	if cfg.WithCaller {
		l = l.With().Caller().Logger()
	}
	return l
}

// ParseLevel maps a level name onto zerolog, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Component returns a child logger tagged with the subsystem name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
