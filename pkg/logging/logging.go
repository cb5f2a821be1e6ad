package logging

import (
	log "github.com/sirupsen/logrus"
)

// Logger abstracts the concrete logging implementation so components can be
// tested without pulling in a real logger.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// New instantiates a JSON-formatted logger at the given level.
// Unknown level strings fall back to info.
func New(level string) Logger {
	log.SetFormatter(&log.JSONFormatter{})

	parsed, err := log.ParseLevel(level)
	if err != nil {
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)

	return &logger{}
}

// SetLevel re-applies the log level at runtime. Unknown level strings are
// ignored.
func SetLevel(level string) {
	parsed, err := log.ParseLevel(level)
	if err != nil {
		return
	}
	log.SetLevel(parsed)
}

// NewNop returns a logger that discards everything. Useful in tests.
func NewNop() Logger {
	return &nopLogger{}
}

type logger struct{}

func (l *logger) Debugf(format string, args ...interface{}) { log.Debugf(format, args...) }
func (l *logger) Infof(format string, args ...interface{})  { log.Infof(format, args...) }
func (l *logger) Warnf(format string, args ...interface{})  { log.Warnf(format, args...) }
func (l *logger) Errorf(format string, args ...interface{}) { log.Errorf(format, args...) }
func (l *logger) Fatalf(format string, args ...interface{}) { log.Fatalf(format, args...) }

type nopLogger struct{}

func (l *nopLogger) Debugf(string, ...interface{}) {}
func (l *nopLogger) Infof(string, ...interface{})  {}
func (l *nopLogger) Warnf(string, ...interface{})  {}
func (l *nopLogger) Errorf(string, ...interface{}) {}
func (l *nopLogger) Fatalf(string, ...interface{}) {}
