package config

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process-wide logrus instance: JSON to stdout, level
// from LOG_LEVEL (info when unset or unparseable).
func NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	return log
}
