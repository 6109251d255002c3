package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum level. Empty means LOG_LEVEL, falling back to error.
	Level string

	// Format is "console" or "json". Empty means LOG_FORMAT, falling back to console.
	Format string

	// Output defaults to os.Stderr.
	Output io.Writer
}

// Init configures the global zerolog logger.
// The CLI is quiet by default: only errors are shown unless LOG_LEVEL says otherwise.
func Init(cfg Config) {
	if cfg.Level == "" {
		cfg.Level = os.Getenv("LOG_LEVEL")
	}
	if cfg.Format == "" {
		cfg.Format = os.Getenv("LOG_FORMAT")
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339Nano

	out := cfg.Output
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: "15:04:05.000"}
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

// ParseLevel maps the accepted level names onto zerolog levels.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "dev", "development", "debug":
		return zerolog.DebugLevel
	case "trace":
		return zerolog.TraceLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.ErrorLevel
	}
}
