// Package logging builds the structured zerolog logger shared by every
// pipeline component.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger construction.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|pretty
}

// New creates a structured logger. JSON output is used in production;
// "pretty" gives a human-readable console encoding for local development.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "inference-monitor").
		Logger()
}

// RecoverPanic recovers a panic in a long-running goroutine, logs it with
// a stack trace, and lets the goroutine's defer chain unwind normally
// instead of crashing the process. Used around each processor tick, so a
// timer loop survives a single bad iteration.
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("recovered panic in background goroutine")
	}
}
