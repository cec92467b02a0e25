// Package logging wraps zerolog for the storage engine. Unlike the
// logger this is grounded on, there is no package-level global: each
// database instance owns its own Logger, consistent with spec.md's design
// note that engine state is per-instance, not a process global.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger scoped to one database instance.
type Logger struct {
	z zerolog.Logger
}

// Config controls how a Logger is constructed.
type Config struct {
	Level  string // debug, info, warn, error, disabled
	Pretty bool
	Output io.Writer
}

// New builds a Logger from cfg. A zero Config yields an info-level
// logger writing JSON to stdout.
func New(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	case "disabled":
		level = zerolog.Disabled
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	z := zerolog.New(output).Level(level).With().Timestamp().Str("component", "docstore").Logger()
	return &Logger{z: z}
}

// Nop returns a Logger that discards everything; used when a caller does
// not supply one.
func Nop() *Logger {
	return &Logger{z: zerolog.Nop()}
}

// With returns a derived Logger carrying an additional field, used to tag
// events by subsystem (e.g. "engine", "btree", "collection").
func (l *Logger) With(subsystem string) *Logger {
	return &Logger{z: l.z.With().Str("subsystem", subsystem).Logger()}
}

func (l *Logger) Debug() *zerolog.Event { return l.z.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.z.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.z.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.z.Error() }
