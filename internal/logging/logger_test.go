// Copyright (c) 2025 Databracket. All rights reserved.
// Use of this source code is governed by the license that can be found
// in the LICENSE file.

package logging

import (
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerDebugBypassesSyslog(t *testing.T) {
	// debug=true must select the stdout sink even when syslogEnabled is
	// requested, so this must succeed regardless of syslog availability
	// in the test environment.
	logger, closer := NewLogger("info", "text", true, true)
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	logger.Info("test message", "key", "value")
}

func TestNewLoggerStdoutJSON(t *testing.T) {
	logger, closer := NewLogger("debug", "json", false, false)
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	logger.Debug("json sink")
}
