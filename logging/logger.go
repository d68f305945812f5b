// Package logging provides repo-wide slog helpers and format parsing.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// New creates a slog.Logger writing to stdout with the desired level and
// format. format can be "json" or "console".
func New(level, format string) (*slog.Logger, error) {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level, format string) (*slog.Logger, error) {
	slogLevel, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}

	handler, err := buildHandler(w, format, opts)
	if err != nil {
		return nil, err
	}

	return slog.New(handler), nil
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", level)
	}
}

// ValidateFormat reports whether format names a supported handler.
func ValidateFormat(format string) error {
	switch format {
	case "json", "console":
		return nil
	default:
		return fmt.Errorf("invalid log format %q, must be 'json' or 'console'", format)
	}
}

// Component returns logger tagged with the component name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(slog.String("component", name))
}

func buildHandler(w io.Writer, format string, opts *slog.HandlerOptions) (slog.Handler, error) {
	if err := ValidateFormat(format); err != nil {
		return nil, err
	}
	if format == "json" {
		return slog.NewJSONHandler(w, opts), nil
	}
	return slog.NewTextHandler(w, opts), nil
}
