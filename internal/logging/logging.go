// Package logging wires the structured logrus logger used across every
// component, with an optional Loki hook. Nothing here is a package-level
// singleton: New returns a *logrus.Logger that bootstrap passes down.
package logging

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/yukitsune/lokirus"
)

// New builds a *logrus.Logger at the requested level, optionally shipping
// structured entries to Loki when endpoint is non-empty.
func New(level, lokiEndpoint string) (*log.Logger, error) {
	logger := log.New()
	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	parsed, err := log.ParseLevel(normalizeLevel(level))
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	logger.SetLevel(parsed)

	if lokiEndpoint != "" {
		opts := lokirus.NewLokiHookOptions().
			WithLevelMap(lokirus.LevelMap{
				log.PanicLevel: "critical",
				log.FatalLevel: "critical",
				log.ErrorLevel: "error",
				log.WarnLevel:  "warning",
				log.InfoLevel:  "info",
				log.DebugLevel: "debug",
				log.TraceLevel: "trace",
			}).
			WithStaticLabels(lokirus.Labels{
				"app": "tacore",
			})
		hook := lokirus.NewLokiHookWithOpts(lokiEndpoint, opts, log.AllLevels...)
		logger.AddHook(hook)
	}

	return logger, nil
}

// normalizeLevel maps the spec's {DEBUG,INFO,WARN,ERROR} vocabulary onto
// logrus's level names.
func normalizeLevel(level string) string {
	switch level {
	case "WARN":
		return "warning"
	default:
		return level
	}
}
