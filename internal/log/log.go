// Package log centralizes the logrus logger used across the tunnel core so
// every component logs through the same formatter and level configuration.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// L is the process-wide logger. Tests may swap its output or level; the
// core never constructs a second logger instance.
var L = newDefault()

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetVerbose raises the logger to Debug level, toggled by the -verbose
// flag on either binary.
func SetVerbose(v bool) {
	if v {
		L.SetLevel(logrus.DebugLevel)
	} else {
		L.SetLevel(logrus.InfoLevel)
	}
}

// Fields is a re-export so call sites don't need to import logrus directly.
type Fields = logrus.Fields
