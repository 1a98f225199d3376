// Package logging configures the daemon's slog output: colorized for a
// foreground terminal, size-rotated JSON files when daemonized.
package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Options selects the log destination and level.
type Options struct {
	Level slog.Level
	// File, when set, routes logs to a rotating file instead of stderr.
	File        string
	MaxFileSize int64
	KeepFiles   int
}

// NewConsole builds a colorized stderr logger for foreground runs.
func NewConsole(level slog.Level) *slog.Logger {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	return slog.New(handler)
}

// New builds a logger per opts. File-backed loggers emit JSON lines so
// the log remains grep- and tail-friendly after rotation.
func New(opts Options) (*slog.Logger, error) {
	if opts.File == "" {
		return NewConsole(opts.Level), nil
	}
	w, err := NewRotatingWriter(opts.File, opts.MaxFileSize, opts.KeepFiles)
	if err != nil {
		return nil, err
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: opts.Level})
	return slog.New(handler), nil
}

// ParseLevel maps a config string onto a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
