// Package ingestlog provides the structured logging conventions the
// ingestion manager's components share, trimmed from the wider service
// logging package to the subset a library (not an HTTP service) needs.
package ingestlog

import (
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// Config controls how New builds the base logrus.Logger.
type Config struct {
	Level     logrus.Level
	Format    string // "json" or "text"
	AddCaller bool
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{Level: logrus.InfoLevel, Format: "text"}
}

// New builds a *logrus.Logger per Config.
func New(cfg Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(cfg.Level)
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	}
	logger.SetReportCaller(cfg.AddCaller)
	return logger
}

// Logger is a chainable field-accumulating wrapper, the shape every C1-C7
// component receives at construction instead of reaching for a package
// global.
type Logger struct {
	base   *logrus.Logger
	fields logrus.Fields
}

// NewComponentLogger wraps a *logrus.Logger with a named component field,
// e.g. ingestlog.NewComponentLogger(ingestlog.New(cfg), "store"). A nil
// base gets New(DefaultConfig()).
func NewComponentLogger(base *logrus.Logger, component string) *Logger {
	if base == nil {
		base = New(DefaultConfig())
	}
	return &Logger{base: base, fields: logrus.Fields{"component": component}}
}

func (l *Logger) clone() logrus.Fields {
	f := make(logrus.Fields, len(l.fields)+1)
	for k, v := range l.fields {
		f[k] = v
	}
	return f
}

// With returns a derived logger carrying an additional field.
func (l *Logger) With(key string, value interface{}) *Logger {
	f := l.clone()
	f[key] = value
	return &Logger{base: l.base, fields: f}
}

// WithError returns a derived logger carrying the error's message.
func (l *Logger) WithError(err error) *Logger {
	return l.With("error", err.Error())
}

func (l *Logger) Debug(msg string) { l.base.WithFields(l.fields).Debug(msg) }
func (l *Logger) Info(msg string)  { l.base.WithFields(l.fields).Info(msg) }
func (l *Logger) Warn(msg string)  { l.base.WithFields(l.fields).Warn(msg) }
func (l *Logger) Error(msg string) { l.base.WithFields(l.fields).Error(msg) }

// Timed logs start/completion of an operation with duration, the way
// LogOperation does in the wider ambient logging package.
func Timed(l *Logger, operation string, fn func() error) error {
	start := time.Now()
	op := l.With("operation", operation)
	op.Info("operation started")

	err := fn()
	dur := time.Since(start)
	done := op.With("duration_ms", dur.Milliseconds())
	if err != nil {
		done.WithError(err).Error("operation failed")
		return err
	}
	done.Info("operation completed")
	return nil
}

// Recover logs a recovered panic with a stack trace.
func Recover(l *Logger) {
	if r := recover(); r != nil {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		l.With("panic", fmt.Sprintf("%v", r)).With("stacktrace", string(buf[:n])).Error("panic recovered")
	}
}
