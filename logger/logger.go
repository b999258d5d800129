// Package logger builds the zerolog loggers handed to every gateway component.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls log level and destination.
type Config struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Debug      bool   `mapstructure:"debug" yaml:"debug"`
	Output     string `mapstructure:"output" yaml:"output"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
	Pretty     bool   `mapstructure:"pretty" yaml:"pretty"`
}

func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Output: "stdout",
	}
}

// New returns a root logger for cfg.
func New(cfg Config) (zerolog.Logger, error) {
	var output io.Writer = os.Stdout

	if strings.EqualFold(cfg.Output, "stderr") {
		output = os.Stderr
	}

	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.TimeOnly}
	}

	level := zerolog.InfoLevel

	if cfg.Debug {
		level = zerolog.DebugLevel
	} else if cfg.Level != "" {
		var err error

		level, err = zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), err
		}
	}

	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	} else {
		zerolog.TimeFieldFormat = time.RFC3339
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger(), nil
}

// WithComponent tags a child logger with the component name.
func WithComponent(l zerolog.Logger, component string) zerolog.Logger {
	return l.With().Str("component", component).Logger()
}

// WithDevice tags a child logger with the device name.
func WithDevice(l zerolog.Logger, device string) zerolog.Logger {
	return l.With().Str("device", device).Logger()
}

// NewTestLogger discards everything.
func NewTestLogger() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}
