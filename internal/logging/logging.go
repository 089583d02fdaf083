// Package logging configures the process-wide zerolog logger and hands out
// component sub-loggers, mirroring cuemby-warren's pkg/log convention.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Init configures the global zerolog logger. When pretty is true, output is
// console-formatted (for local development); otherwise it is newline-delimited
// JSON, suitable for collection.
func Init(pretty bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var w io.Writer = os.Stderr
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}

	log := zerolog.New(w).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log
	zl = log
}

var zl zerolog.Logger

// For builds a sub-logger tagged with the given component name, the way
// warren's WithComponent tags a logger with its subsystem.
func For(component string) zerolog.Logger {
	return zl.With().Str("component", component).Logger()
}
