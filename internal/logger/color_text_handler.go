package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

const ansiReset = "\033[0m"

// ColorTextHandler wraps slog.TextHandler and paints each line in an ANSI
// color picked by level.
type ColorTextHandler struct {
	*slog.TextHandler
	out *colorWriter
}

// colorWriter receives exactly one line per record from the TextHandler.
// mu is held across Handle so code matches the line being written.
type colorWriter struct {
	mu    sync.Mutex
	w     io.Writer
	color bool
	code  string
}

func (c *colorWriter) Write(p []byte) (int, error) {
	if !c.color || c.code == "" {
		return c.w.Write(p)
	}
	line := bytes.TrimSuffix(p, []byte("\n"))
	buf := make([]byte, 0, len(p)+len(c.code)+len(ansiReset)+1)
	buf = append(buf, c.code...)
	buf = append(buf, line...)
	buf = append(buf, ansiReset...)
	buf = append(buf, '\n')
	if _, err := c.w.Write(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

// NewColorTextHandler creates a ColorTextHandler. With color false it behaves
// like a plain TextHandler.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, color bool) *ColorTextHandler {
	out := &colorWriter{w: w, color: color}
	return &ColorTextHandler{
		TextHandler: slog.NewTextHandler(out, opts),
		out:         out,
	}
}

func levelColor(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "\033[36m" // cyan
	case l < slog.LevelWarn:
		return "\033[32m" // green
	case l < slog.LevelError:
		return "\033[33m" // yellow
	default:
		return "\033[31m" // red
	}
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	h.out.code = levelColor(r.Level)
	return h.TextHandler.Handle(ctx, r)
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{TextHandler: h.TextHandler.WithAttrs(attrs).(*slog.TextHandler), out: h.out}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{TextHandler: h.TextHandler.WithGroup(name).(*slog.TextHandler), out: h.out}
}
