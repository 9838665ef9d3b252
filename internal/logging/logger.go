package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LineSink receives every log record rendered as a single text line. The
// admin broadcast channel implements it.
type LineSink interface {
	Log(line string)
}

// NewLogger builds a JSON logger tuned for production use. Each sink gets a
// text rendering of the same records.
func NewLogger(level string, sinks ...LineSink) *slog.Logger {
	return newLogger(os.Stdout, level, sinks...)
}

func newLogger(w io.Writer, level string, sinks ...LineSink) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: true,
	}
	handlers := []slog.Handler{slog.NewJSONHandler(w, opts)}
	for _, s := range sinks {
		if s == nil {
			continue
		}
		handlers = append(handlers, slog.NewTextHandler(lineWriter{sink: s}, &slog.HandlerOptions{Level: opts.Level}))
	}
	if len(handlers) == 1 {
		return slog.New(handlers[0])
	}
	return slog.New(teeHandler(handlers))
}

// lineWriter adapts a sink to io.Writer. slog text handlers issue exactly one
// Write per record.
type lineWriter struct{ sink LineSink }

func (l lineWriter) Write(p []byte) (int, error) {
	l.sink.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
