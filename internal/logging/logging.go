// Package logging builds the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// New returns a logger writing to w.
//
//	text     slog key=value lines, for log collectors
//	json     one JSON object per line
//	console  colored, human-oriented output for local development
func New(w io.Writer, format, level string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	var h slog.Handler
	switch format {
	case "text", "":
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	case "console":
		h = tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			AddSource:  lvl == slog.LevelDebug,
			TimeFormat: time.TimeOnly,
		})
	default:
		return nil, fmt.Errorf("invalid logging format: %q, must be 'text', 'json' or 'console'", format)
	}
	return slog.New(h), nil
}

// ParseLevel accepts debug, info, warn/warning and error in any case.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid logging level: %q, must be one of 'debug', 'info', 'warn', 'error'", level)
	}
}
