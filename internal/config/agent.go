// Copyright (c) 2025 Databracket. All rights reserved.
// Use of this source code is governed by the license that can be found
// in the LICENSE file.

// Package config loads the bastio-agent on-disk configuration into an
// explicit typed struct populated at load time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig is the full on-disk configuration for one bastio-agent
// process, loaded from YAML with field names matching the agent's
// `agent`/`enroll`/`logging` sections.
type AgentConfig struct {
	Agent   AgentSection `yaml:"agent"`
	Enroll  EnrollSection `yaml:"enroll"`
	Logging LoggingInfo  `yaml:"logging"`
}

// AgentSection holds the `agent` section keys: host, port, agentkey,
// apikey, minthreads, stacksize. agentkey names the PEM private key,
// but the CLI does not read it: the key path comes from
// -k/--agent-key or defaults to /etc/bastio/agent.pem.
type AgentSection struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	AgentKey   string `yaml:"agentkey"` // required by validation; see AgentSection
	APIKey     string `yaml:"apikey"`
	MinThreads int    `yaml:"minthreads"`
	// StackSizeKB is an old deployment-era tuning knob, kept for
	// config-file compatibility but otherwise unused since Go
	// goroutine stacks grow dynamically.
	StackSizeKB int `yaml:"stacksize"`
	// EgressRate throttles the connector's write side, e.g. "64kb" or
	// "0" to disable.
	EgressRate string `yaml:"egress_rate"`
}

// EnrollSection configures the one-shot HTTPS enrollment calls used by
// the CLI's upload-key and start commands.
type EnrollSection struct {
	BaseURL string `yaml:"base_url"`
}

// LoggingInfo selects between the syslog and stdout sinks.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Syslog bool   `yaml:"syslog"`
}

// LoadAgentConfig reads and validates the YAML configuration file.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent config: %w", err)
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing agent config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating agent config: %w", err)
	}

	return &cfg, nil
}

// EgressRateBytesPerSec parses Agent.EgressRate, returning 0 (disabled)
// when it is empty.
func (c *AgentConfig) EgressRateBytesPerSec() (int64, error) {
	if strings.TrimSpace(c.Agent.EgressRate) == "" {
		return 0, nil
	}
	return ParseByteSize(c.Agent.EgressRate)
}

func (c *AgentConfig) validate() error {
	if c.Agent.Host == "" {
		return fmt.Errorf("agent.host is required")
	}
	if c.Agent.Port <= 0 || c.Agent.Port > 65535 {
		return fmt.Errorf("agent.port must be between 1 and 65535, got %d", c.Agent.Port)
	}
	if c.Agent.AgentKey == "" {
		return fmt.Errorf("agent.agentkey is required")
	}
	if c.Agent.APIKey == "" {
		return fmt.Errorf("agent.apikey is required")
	}
	if c.Agent.MinThreads <= 0 {
		c.Agent.MinThreads = 4
	}
	if c.Agent.StackSizeKB < 0 {
		return fmt.Errorf("agent.stacksize must not be negative")
	}
	if _, err := c.EgressRateBytesPerSec(); err != nil {
		return fmt.Errorf("agent.egress_rate: %w", err)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	return nil
}

// These constants mirror the backoff knobs the backend connector exposes
// directly on its own Config; kept here only as documented defaults for
// callers wiring a config file through to backend.Config.
const (
	DefaultReconnectDelay    = 1 * time.Second
	DefaultMaxReconnectDelay = 30 * time.Second
)

// ParseByteSize converts human-readable sizes like "256mb", "1gb", or a
// plain byte count into a byte count.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
