// Package log holds the process-wide base logger. Components derive child
// loggers from it via WithComponent; everything else receives a logger by
// value, so this is the only global in the service.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Root is the base logger. It is usable before Setup runs (console output,
// info level) so early startup errors aren't lost.
var Root = newLogger(os.Stdout, false)

// Setup reconfigures the base logger from the CLI flags. Level accepts
// zerolog's level names ("debug", "info", "warn", "error"); anything
// unparseable falls back to info.
func Setup(level string, jsonOutput bool) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	Root = newLogger(os.Stdout, jsonOutput)
}

// SetOutput redirects the base logger, used by tests to capture output.
func SetOutput(w io.Writer, jsonOutput bool) {
	Root = newLogger(w, jsonOutput)
}

func newLogger(w io.Writer, jsonOutput bool) zerolog.Logger {
	if !jsonOutput {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// WithComponent derives a child logger tagged with the component name.
func WithComponent(component string) zerolog.Logger {
	return Root.With().Str("component", component).Logger()
}
