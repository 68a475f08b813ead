package logger

import (
	"github.com/sirupsen/logrus"
)

// InitLogger builds the component logger. Every subsystem tags its entry
// with a node name so interleaved executor output stays attributable.
func InitLogger(logLevel string, node string) *logrus.Entry {
	formattedLogger := logrus.New()
	formattedLogger.Formatter = &logrus.TextFormatter{FullTimestamp: true}

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.WithError(err).Error("Error parsing log level, using: info")
		level = logrus.InfoLevel
	}
	formattedLogger.Level = level

	return logrus.NewEntry(formattedLogger).WithField("node", node)
}
