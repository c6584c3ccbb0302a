// Package logx centralizes logrus setup (C9) for the taskmasterd
// entrypoint (taskmasterctl does not use it): structured text output by
// default, with an optional path to redirect it to a log file.
package logx

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logrus logger. An empty path logs to stderr; level is
// parsed with logrus's own level names ("debug", "info", "warn", ...),
// falling back to Info on an empty or unrecognized value.
func New(path, level string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", path, err)
		}
		log.SetOutput(f)
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	return log, nil
}
