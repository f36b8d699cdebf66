// Package logger configures the process-wide slog logger.
//
// Output defaults to stderr with a compact "LEVEL message k=v" format so the
// log stream stays readable next to streamed agent output. A file target and
// a verbose format are available for deployments.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel converts a string log level to slog.Level.
// Valid levels: debug, info, warn, error.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Options configures Setup.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // simple or verbose
	File   string // log file path; empty means stderr
}

// Setup installs the default slog logger according to opts.
// Returns a close function for the log file, if one was opened.
func Setup(opts Options) (func() error, error) {
	level := ParseLevel(opts.Level)

	var w io.Writer = os.Stderr
	closer := func() error { return nil }

	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", opts.File, err)
		}
		w = f
		closer = f.Close
	}

	var handler slog.Handler
	if opts.Format == "verbose" {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = &simpleHandler{w: w, level: level}
	}

	slog.SetDefault(slog.New(handler))
	return closer, nil
}

// simpleHandler prints "LEVEL message key=value ...", one record per line.
type simpleHandler struct {
	w     io.Writer
	level slog.Level
	attrs []slog.Attr
}

func (h *simpleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *simpleHandler) Handle(_ context.Context, record slog.Record) error {
	var buf strings.Builder

	levelStr := record.Level.String()
	if levelStr == "WARNING" {
		levelStr = "WARN"
	}
	buf.WriteString(strings.ToUpper(levelStr))
	buf.WriteString(" ")
	buf.WriteString(record.Message)

	writeAttr := func(a slog.Attr) bool {
		buf.WriteString(" ")
		buf.WriteString(a.Key)
		buf.WriteString("=")
		buf.WriteString(a.Value.String())
		return true
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	record.Attrs(writeAttr)

	buf.WriteString("\n")
	_, err := io.WriteString(h.w, buf.String())
	return err
}

func (h *simpleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &simpleHandler{w: h.w, level: h.level, attrs: merged}
}

func (h *simpleHandler) WithGroup(string) slog.Handler {
	return h
}
