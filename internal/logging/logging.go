// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"queueboard/internal/config"
)

// Setup applies level and format to the standard logger and returns it.
func Setup(cfg config.LogConfig) (*log.Logger, error) {
	return configure(log.StandardLogger(), os.Stderr, cfg)
}

func configure(l *log.Logger, out io.Writer, cfg config.LogConfig) (*log.Logger, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	l.SetLevel(level)
	l.SetOutput(out)
	switch cfg.Format {
	case "json":
		l.SetFormatter(&log.JSONFormatter{})
	case "", "text":
		l.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("log format %q: want text or json", cfg.Format)
	}
	return l, nil
}
