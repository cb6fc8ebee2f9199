// Package klog is the ambient structured-logging seam used throughout the
// kernel runtime core. It wraps github.com/joeycumines/logiface, backed by
// github.com/joeycumines/izerolog over github.com/rs/zerolog, and defaults
// to a no-op logger: a package that would printf a diagnostic in the
// original C kernel instead takes an optional *klog.Logger, matching
// eventloop.SetStructuredLogger's "logging is infrastructure, never
// mandatory at the call site" pattern.
package klog

import (
	"os"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Logger is the facade type every kernel package logs through.
type Logger = logiface.Logger[*izerolog.Event]

var noop = logiface.New[*izerolog.Event](
	logiface.WithLevel[*izerolog.Event](logiface.LevelDisabled),
)

// NoOp returns a logger that discards every event. It is the zero value
// used by every package's Option default, so passing no logger at all is
// always safe.
func NoOp() *Logger { return noop }

// NewStderr builds a zerolog-backed logger writing console-formatted
// output to stderr, timestamped, at the given level. No component installs
// it on its own: each one logs through NoOp unless a logger is passed in.
func NewStderr(level logiface.Level) *Logger {
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).
		With().Timestamp().Logger()
	return logiface.New[*izerolog.Event](
		izerolog.L.WithZerolog(zl),
		logiface.WithLevel[*izerolog.Event](level),
	)
}

// Or returns l if non-nil, otherwise the shared no-op logger. Every
// component's constructor should route its injected *Logger through this
// so a nil Option default never has to be special-cased at call sites.
func Or(l *Logger) *Logger {
	if l != nil {
		return l
	}
	return noop
}
