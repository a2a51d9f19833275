// Package plog is a thin logrus wrapper that attaches the fields this
// domain cares about (pool, server, event) to every log line.
package plog

import "github.com/sirupsen/logrus"

// Logger is the structured logger used across the core. It is safe for
// concurrent use, same as the *logrus.Logger it wraps.
type Logger struct {
	base *logrus.Logger
}

// New returns a Logger writing to stderr at the given level ("debug",
// "info", "warn", "error"). An unrecognized level falls back to info.
func New(level string) *Logger {
	l := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return &Logger{base: l}
}

// WithPool returns an entry tagged with the given pool name.
func (l *Logger) WithPool(pool string) *logrus.Entry {
	return l.base.WithField("pool", pool)
}

// WithServer returns an entry tagged with the given pool and server name.
func (l *Logger) WithServer(pool, server string) *logrus.Entry {
	return l.base.WithFields(logrus.Fields{"pool": pool, "server": server})
}

// Event returns an entry tagged with a free-form event name, for state
// transitions that aren't naturally pool- or server-scoped (reload,
// rebuild).
func (l *Logger) Event(event string) *logrus.Entry {
	return l.base.WithField("event", event)
}
