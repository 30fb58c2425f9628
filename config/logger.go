package config

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ConfigureLogger sets the global logrus level and formatter. Unknown
// levels fall back to info.
func ConfigureLogger(level, format string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stdout)

	if strings.EqualFold(format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
		return
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}
