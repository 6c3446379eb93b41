// Package logger provides structured logging for the kernel and its
// components, built on logrus.
package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger so every component shares one construction path.
type Logger struct {
	*logrus.Logger
}

// Config controls level and output format.
type Config struct {
	Level  string
	Format string
}

// New creates a Logger from Config. An unparseable level defaults to info.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l}
}

// NewDefault returns an info-level, text-formatted logger. name is not
// attached to the entries it writes: only the underlying logger of the
// WithField entry is kept, so the "component" field is dropped.
func NewDefault(name string) *Logger {
	l := New(Config{Level: "info", Format: "text"})
	return &Logger{Logger: l.WithField("component", name).Logger}
}

// WithField returns a new log entry carrying one field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns a new log entry carrying multiple fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}
