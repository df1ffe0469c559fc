package config

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the root logger. Outside production it writes human-readable
// console output.
func NewLogger(s Settings) zerolog.Logger {
	return newLogger(s, os.Stderr)
}

func newLogger(s Settings, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(s.LogLevel)
	if err != nil || s.LogLevel == "" {
		level = zerolog.InfoLevel
	}

	w := out
	if !s.Production() {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "civicsync").Logger()
}
