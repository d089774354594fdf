package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the process logger. Unknown levels fall back to info and are
// reported as a warning on the returned logger.
func New(level, format string) *logrus.Logger {
	return NewWithOutput(level, format, os.Stderr)
}

// NewWithOutput is New writing to out.
func NewWithOutput(level, format string, out io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	}
	log.SetLevel(logrus.InfoLevel)

	if level == "" {
		return log
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", level, err)
		return log
	}
	log.SetLevel(parsed)
	return log
}

// Reconfigure applies level and format to an existing logger, used once the
// config file has been read and may override the flag values.
func Reconfigure(log *logrus.Logger, level, format string) {
	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	}
	if level == "" {
		return
	}
	if parsed, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(parsed)
	} else {
		log.Warnf("Invalid log level '%s', keeping '%s'", level, log.GetLevel())
	}
}

// BadgerLogrusAdapter implements badger.Logger on top of a logrus entry.
// Badger is chatty at info level, so its info lines are demoted to debug.
type BadgerLogrusAdapter struct {
	*logrus.Entry
}

// NewBadgerLogrusAdapter wraps entry for use as the journal's badger logger
func NewBadgerLogrusAdapter(entry *logrus.Entry) *BadgerLogrusAdapter {
	return &BadgerLogrusAdapter{entry.WithField("component", "journal_db")}
}

func (l *BadgerLogrusAdapter) Errorf(f string, v ...interface{})   { l.Entry.Errorf(f, v...) }
func (l *BadgerLogrusAdapter) Warningf(f string, v ...interface{}) { l.Entry.Warnf(f, v...) }
func (l *BadgerLogrusAdapter) Infof(f string, v ...interface{})    { l.Entry.Debugf(f, v...) }
func (l *BadgerLogrusAdapter) Debugf(f string, v ...interface{})   { l.Entry.Tracef(f, v...) }
