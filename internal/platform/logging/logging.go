// Package logging builds the zerolog loggers used across keygate.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New returns a logger tagged with the owning component name.
//
// Output is plain JSON by default; set KEYGATE_LOG_PRETTY=true for a
// human-readable console writer during local development.
func New(component string) zerolog.Logger {
	var out io.Writer = os.Stderr
	if strings.EqualFold(os.Getenv("KEYGATE_LOG_PRETTY"), "true") {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("KEYGATE_LOG_LEVEL"))); err == nil && parsed != zerolog.NoLevel {
		level = parsed
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}
