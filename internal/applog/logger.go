// Package applog wraps zerolog behind the call-site shape of the
// teacher's device.Logger (Verbosef/Errorf), so the rest of the module
// logs exactly the way the teacher does, just with structured output.
package applog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger matches the teacher's three-method logging surface.
type Logger struct {
	z       zerolog.Logger
	verbose bool
}

// New builds a Logger writing to w (os.Stderr in production, a
// bytes.Buffer in tests). verbose gates Verbosef output, mirroring the
// teacher's log-level selection at construction time.
func New(w io.Writer, verbose bool) *Logger {
	console := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return &Logger{
		z:       zerolog.New(console).With().Timestamp().Logger(),
		verbose: verbose,
	}
}

// Default builds a Logger writing to stderr.
func Default(verbose bool) *Logger {
	return New(os.Stderr, verbose)
}

// Verbosef logs at debug level; suppressed unless verbose logging was
// requested at construction.
func (l *Logger) Verbosef(format string, args ...any) {
	if !l.verbose {
		return
	}
	l.z.Debug().Msgf(format, args...)
}

// Infof logs at info level; always emitted.
func (l *Logger) Infof(format string, args ...any) {
	l.z.Info().Msgf(format, args...)
}

// Errorf logs at error level; always emitted.
func (l *Logger) Errorf(format string, args ...any) {
	l.z.Error().Msgf(format, args...)
}

// With returns a child logger carrying a "peer" field, used so log
// lines about a specific peer are attributable at a glance.
func (l *Logger) With(peer int) *Logger {
	return &Logger{
		z:       l.z.With().Int("peer", peer).Logger(),
		verbose: l.verbose,
	}
}
