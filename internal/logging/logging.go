// Package logging sets up the daemon's structured logger. It replaces the
// teacher's bare log.SetOutput/log.Printf pairing with logrus, matching
// the structured-field style used across the example pack (e.g.
// mordilloSan-LinuxIO's internal/logger) while keeping the teacher's
// append-to-file, 0644, single-logfile layout.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New opens (creating if needed) the log file at path and returns a
// logger writing to it with text formatting and field support.
func New(path string) (*logrus.Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetOutput(f)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetLevel(logrus.InfoLevel)
	return log, nil
}

// NewDevelopment returns a logger writing colorized text to stderr at
// debug level, for tracing without a log file. Nothing in this repository
// calls it: the `run` path always logs through New (kept available for
// diagnostics the way mordilloSan-LinuxIO's logger splits dev/prod
// output).
func NewDevelopment() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})
	log.SetLevel(logrus.DebugLevel)
	return log
}
