// Package logging builds the zerolog loggers shared by cloid components.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options controls logger construction. Zero values pick defaults.
type Options struct {
	// Level is one of debug|info|warn|error|off. Empty reads CLOID_LOG_LEVEL, then "info".
	Level string
	// Format is "json" (default) or "console".
	Format string
	// Out defaults to os.Stderr.
	Out io.Writer
}

// ParseLevel maps a textual level to zerolog. Unknown strings map to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error", "err":
		return zerolog.ErrorLevel
	case "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// New returns a logger with a timestamp field at the requested level.
func New(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if strings.EqualFold(opts.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	lvl := opts.Level
	if lvl == "" {
		lvl = os.Getenv("CLOID_LOG_LEVEL")
	}
	return zerolog.New(out).Level(ParseLevel(lvl)).With().Timestamp().Logger()
}

// Component tags a logger with a component field.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// OrNop returns l, or a disabled logger when l is nil.
func OrNop(l *zerolog.Logger) zerolog.Logger {
	if l == nil {
		return zerolog.Nop()
	}
	return *l
}
