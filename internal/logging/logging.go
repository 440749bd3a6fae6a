// Package logging builds the base zerolog.Logger every component derives
// its own component-scoped child from.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the base logger.
type Options struct {
	Level  string // debug|info|warn|error
	Pretty bool   // human-readable console writer instead of JSON
}

// New builds the base logger. Every caller should derive a child via
// logger.With().Str("component", name).Logger() rather than sharing this
// one directly.
func New(opts Options) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	zerolog.TimestampFieldName = "ts"
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the owning component's name.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
