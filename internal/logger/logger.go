package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the process-wide logger. Debug mode lowers the level and
// keeps the full timestamp for local troubleshooting.
func New(debug bool) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if debug {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}

// ForComponent returns an entry tagged with the originating component.
func ForComponent(log *logrus.Logger, component string) *logrus.Entry {
	return log.WithFields(logrus.Fields{"component": component})
}
