package logflags

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the logging interface shared by every layer of pctl. Loggers
// returned by this package carry the name of their layer in the "layer"
// field.
type Logger interface {
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Fields are the structured key/value pairs attached to a log line.
type Fields map[string]interface{}

// LoggerFactory builds the Logger of a layer. level is the least severe
// level the layer emits; out is nil when logs go to stderr.
type LoggerFactory func(level logrus.Level, fields Fields, out io.Writer) Logger

var loggerFactory LoggerFactory

// SetLoggerFactory replaces the logrus based loggers returned by the
// XxxLogger functions. A nil factory restores the default.
func SetLoggerFactory(lf LoggerFactory) {
	loggerFactory = lf
}

type entryLogger struct {
	entry *logrus.Entry
}

func (l *entryLogger) WithField(key string, value interface{}) Logger {
	return &entryLogger{l.entry.WithField(key, value)}
}

func (l *entryLogger) WithFields(fields Fields) Logger {
	return &entryLogger{l.entry.WithFields(logrus.Fields(fields))}
}

func (l *entryLogger) WithError(err error) Logger {
	return &entryLogger{l.entry.WithError(err)}
}

func (l *entryLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *entryLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *entryLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *entryLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
