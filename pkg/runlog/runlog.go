// Package runlog carries the per-run logging context: when the run started,
// which clock measures it, and where log lines go. Every line is stamped with
// the time elapsed since the start of the run instead of the wall clock, which
// is what matters when reading boot logs.
package runlog

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// Clock returns the current time.
type Clock func() time.Time

// Context is the explicit run context handed to every component.
type Context struct {
	Start time.Time
	Now   Clock
}

// NewContext starts a run context on the given clock (time.Now when nil).
func NewContext(now Clock) *Context {
	if now == nil {
		now = time.Now
	}
	return &Context{Start: now(), Now: now}
}

// Elapsed returns the time since the start of the run.
func (c *Context) Elapsed() time.Duration {
	return c.Now().Sub(c.Start)
}

// FormatElapsed renders a duration the way log lines show it, e.g. "1.23s".
func FormatElapsed(d time.Duration) string {
	return fmt.Sprintf("%.2fs", d.Seconds())
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger returns a text logger writing to w whose time attribute is
// replaced by the elapsed time of the run.
func (c *Context) NewLogger(w io.Writer, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.String("elapsed", FormatElapsed(c.Elapsed()))
			}
			return a
		},
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
