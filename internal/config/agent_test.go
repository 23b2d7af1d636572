// Copyright (c) 2025 Databracket. All rights reserved.
// Use of this source code is governed by the license that can be found
// in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAgentConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
agent:
  host: backend.example.com
  port: 2222
  agentkey: /etc/bastio/agent.pem
  apikey: abc123
`)
	cfg, err := LoadAgentConfig(path)
	if err != nil {
		t.Fatalf("LoadAgentConfig: %v", err)
	}
	if cfg.Agent.MinThreads != 4 {
		t.Fatalf("expected default minthreads 4, got %d", cfg.Agent.MinThreads)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
	rate, err := cfg.EgressRateBytesPerSec()
	if err != nil || rate != 0 {
		t.Fatalf("expected disabled egress rate, got %d err %v", rate, err)
	}
}

func TestLoadAgentConfigMissingRequiredField(t *testing.T) {
	path := writeConfig(t, `
agent:
  port: 2222
  agentkey: /etc/bastio/agent.pem
  apikey: abc123
`)
	if _, err := LoadAgentConfig(path); err == nil {
		t.Fatal("expected error for missing agent.host")
	}
}

func TestLoadAgentConfigInvalidPort(t *testing.T) {
	path := writeConfig(t, `
agent:
  host: backend.example.com
  port: 70000
  agentkey: /etc/bastio/agent.pem
  apikey: abc123
`)
	if _, err := LoadAgentConfig(path); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestEgressRateParsing(t *testing.T) {
	path := writeConfig(t, `
agent:
  host: backend.example.com
  port: 2222
  agentkey: /etc/bastio/agent.pem
  apikey: abc123
  egress_rate: 64kb
`)
	cfg, err := LoadAgentConfig(path)
	if err != nil {
		t.Fatalf("LoadAgentConfig: %v", err)
	}
	rate, err := cfg.EgressRateBytesPerSec()
	if err != nil {
		t.Fatalf("EgressRateBytesPerSec: %v", err)
	}
	if rate != 64*1024 {
		t.Fatalf("expected 64KiB, got %d", rate)
	}
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{
		"256mb": 256 * 1024 * 1024,
		"1gb":   1024 * 1024 * 1024,
		"512":   512,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseByteSize(%q) = %d, want %d", in, got, want)
		}
	}
}
