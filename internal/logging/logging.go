// Package logging builds the zerolog logger every component shares,
// with component and replica_id fields set once at construction.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a base logger. format is "json" or "console"; level parses
// with zerolog.ParseLevel, defaulting to info on a bad value.
func New(format, level, replicaID string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var w io.Writer = os.Stdout
	if format != "json" {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Str("replica_id", replicaID).
		Logger()
}

// Component returns a child logger tagged for one subsystem.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
