package config

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// SetupLogging applies the configured level and format to the standard logger.
func SetupLogging(c *Config) error {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(level)
	if c.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339})
		return nil
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	return nil
}
