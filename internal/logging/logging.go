// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Environment overrides, applied on top of Config.
const (
	EnvLevel  = "LOCKSTEP_LOG_LEVEL"
	EnvFormat = "LOCKSTEP_LOG_FORMAT"
)

// Config selects level and format ("text" or "json").
type Config struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`

	Output io.Writer `mapstructure:"-"`
}

// New returns a logger configured from cfg and the environment. An unknown
// level falls back to info.
func New(cfg Config) *logrus.Logger {
	log := logrus.New()

	level := cfg.Level
	if env := os.Getenv(EnvLevel); env != "" {
		level = env
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)

	format := cfg.Format
	if env := os.Getenv(EnvFormat); env != "" {
		format = env
	}
	if strings.ToLower(format) == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.Output != nil {
		log.SetOutput(cfg.Output)
	} else {
		log.SetOutput(os.Stderr)
	}
	return log
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.SetLevel(logrus.PanicLevel)
	return log
}
