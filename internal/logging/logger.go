// Copyright (c) 2025 Databracket. All rights reserved.
// Use of this source code is governed by the license that can be found
// in the LICENSE file.

// Package logging builds the process-wide slog.Logger, choosing
// between a syslog sink and a stdout sink once at startup rather than
// toggling between them at runtime.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"
	"strings"
)

// NewLogger builds a slog.Logger per the level/format/sink configuration.
// debug forces the stdout sink regardless of syslogEnabled. The
// returned io.Closer releases any held sink resources and is a no-op
// when none were opened.
func NewLogger(level, format string, syslogEnabled, debug bool) (*slog.Logger, io.Closer) {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}

	if !debug && syslogEnabled {
		handler, closer, err := newSyslogHandler(opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: could not open syslog: %v (logging to stdout instead)\n", err)
		} else {
			return slog.New(handler), closer
		}
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler), io.NopCloser(nil)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// syslogHandler adapts slog records onto a log/syslog.Writer, mapping
// slog levels to syslog severities the way original_source/bastio's
// SysLogHandler maps Python logging levels onto LOG_SYSLOG facility
// severities.
type syslogHandler struct {
	w     *syslog.Writer
	opts  slog.HandlerOptions
	attrs []slog.Attr
	group string
}

func newSyslogHandler(opts *slog.HandlerOptions) (slog.Handler, io.Closer, error) {
	w, err := syslog.New(syslog.LOG_SYSLOG, "bastio-agent")
	if err != nil {
		return nil, nil, fmt.Errorf("opening syslog: %w", err)
	}
	h := &syslogHandler{w: w, opts: *opts}
	return h, w, nil
}

func (h *syslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := h.opts.Level
	if min == nil {
		return level >= slog.LevelInfo
	}
	return level >= min.Level()
}

func (h *syslogHandler) Handle(_ context.Context, r slog.Record) error {
	var line strings.Builder
	line.WriteString(r.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(&line, " %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&line, " %s=%v", a.Key, a.Value)
		return true
	})
	msg := line.String()

	switch {
	case r.Level >= slog.LevelError:
		return h.w.Err(msg)
	case r.Level >= slog.LevelWarn:
		return h.w.Warning(msg)
	case r.Level >= slog.LevelInfo:
		return h.w.Info(msg)
	default:
		return h.w.Debug(msg)
	}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

func (h *syslogHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.group = name
	return &next
}
