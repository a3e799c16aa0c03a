// Package logger builds the process-wide zerolog logger from configuration.
package logger

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tourchat/config"
)

// New creates the root logger. The console format writes human-readable
// lines to out; the JSON format writes one object per event.
func New(cfg *config.EngineConfig, out io.Writer) zerolog.Logger {
	writer := out
	if cfg.LogFormat != config.LogFormatJSON {
		writer = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(writer).
		With().
		Timestamp().
		Str("service", config.AppDirectoryName).
		Str("instance", cfg.InstanceID).
		Logger().
		Level(parseLevel(cfg.LogLevel))
}

func parseLevel(raw string) zerolog.Level {
	if raw == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
