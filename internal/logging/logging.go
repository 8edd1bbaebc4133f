// Package logging holds the process-wide structured logger. It defaults
// to discarding output, the way the teacher's debugLog did, so library
// consumers never see log noise unless a binary opts in.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var log = newDiscardLogger()

func newDiscardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// SetVerbose switches the logger between discarding output and writing
// to stderr at the given level. level is ignored when v is false.
func SetVerbose(v bool, level logrus.Level) {
	if !v {
		log.SetOutput(io.Discard)
		return
	}
	log.SetOutput(os.Stderr)
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// For returns a logger scoped to component, e.g. logging.For("session").
func For(component string) *logrus.Entry {
	return log.WithField("component", component)
}
