package main

import (
	"io"
	"os"

	charmlog "github.com/charmbracelet/log"
)

// Logger is the minimal structured-logging surface used throughout the
// trainer and sampler. Keeping it an interface lets tests inject a counting
// sink and keeps the charm logger out of the call sites.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

type charmLogger struct {
	l *charmlog.Logger
}

func (c *charmLogger) Debug(msg string, keyvals ...any) { c.l.Debug(msg, keyvals...) }
func (c *charmLogger) Info(msg string, keyvals ...any)  { c.l.Info(msg, keyvals...) }
func (c *charmLogger) Warn(msg string, keyvals ...any)  { c.l.Warn(msg, keyvals...) }
func (c *charmLogger) Error(msg string, keyvals ...any) { c.l.Error(msg, keyvals...) }

// NewLogger creates a logger writing human-readable records to w.
// Level is one of "debug", "info", "warn", "error"; anything else means info.
func NewLogger(w io.Writer, level string) Logger {
	if w == nil {
		w = os.Stderr
	}

	lvl := charmlog.InfoLevel
	switch level {
	case "debug":
		lvl = charmlog.DebugLevel
	case "warn":
		lvl = charmlog.WarnLevel
	case "error":
		lvl = charmlog.ErrorLevel
	}

	return &charmLogger{l: charmlog.NewWithOptions(w, charmlog.Options{
		ReportTimestamp: true,
		Level:           lvl,
	})}
}

// NopLogger discards everything. Useful as a default when callers do not
// care about diagnostics.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
