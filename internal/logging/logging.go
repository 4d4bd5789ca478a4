// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config selects the level and output format of the logger.
type Config struct {
	// Level is one of trace, debug, info, warn, error. Default: info
	Level string
	// Format is json or console. Default: json
	Format string
	// Writer defaults to os.Stderr.
	Writer io.Writer
}

// New creates the root logger. Components derive their own loggers with
// logger.With().Str("module", ...).
//
// The level is applied process-wide so SetLevel also affects loggers that
// were derived before the change.
func New(cfg Config) (zerolog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}

	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	switch strings.ToLower(cfg.Format) {
	case "", FormatJSON:
	case FormatConsole:
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("logging: unknown format %q", cfg.Format)
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(level)
	return zerolog.New(w).With().Timestamp().Logger(), nil
}

// SetLevel changes the level of every logger in the process.
func SetLevel(level string) error {
	l, err := ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(l)
	return nil
}

// ParseLevel parses a level name. An empty name is info.
func ParseLevel(level string) (zerolog.Level, error) {
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	l, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("logging: invalid level %q: %w", level, err)
	}
	return l, nil
}
