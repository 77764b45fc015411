// Package logging holds the process-wide slog logger used by packages that
// are not handed one explicitly.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var logger atomic.Pointer[slog.Logger]

func init() {
	logger.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

// L returns the current global logger.
func L() *slog.Logger { return logger.Load() }

// Set replaces the global logger. A nil logger is ignored.
func Set(l *slog.Logger) {
	if l != nil {
		logger.Store(l)
	}
}

// Formats accepted by New.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// New builds a logger writing format ("text" or "json") to w, or stderr
// when w is nil.
func New(format string, level slog.Leveler, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == FormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps debug, info, warn (or warning) and error to a slog level.
// The empty string is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// ValidFormat reports whether New understands format.
func ValidFormat(format string) bool { return format == FormatText || format == FormatJSON }
