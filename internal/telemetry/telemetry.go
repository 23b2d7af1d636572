// Copyright (c) 2025 Databracket. All rights reserved.
// Use of this source code is governed by the license that can be found
// in the LICENSE file.

// Package telemetry periodically samples host CPU/memory/disk usage and
// places it on a backend.Endpoint's egress as a protocol.StatusMessage.
// It is an optional extension: the core connector and processor never
// depend on it, so a backend that ignores "status" messages sees no
// change in behavior.
package telemetry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/Databracket/bastio-agent/internal/protocol"
)

// DefaultInterval is the default host-metric sampling cadence.
const DefaultInterval = 15 * time.Second

// Reporter samples host metrics on a ticker and emits StatusMessages.
type Reporter struct {
	log      *slog.Logger
	interval time.Duration
	out      chan<- protocol.Message

	// sample is overridden in tests to avoid depending on real host
	// metrics being available in the sandbox.
	sample func() (cpuPct, memPct, diskPct float64)
}

// New builds a Reporter that writes onto out (typically an
// Endpoint.Egress channel shared with a registered backend endpoint).
// interval <= 0 selects DefaultInterval.
func New(out chan<- protocol.Message, interval time.Duration, log *slog.Logger) *Reporter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Reporter{log: log.With("component", "telemetry"), interval: interval, out: out}
	r.sample = r.sampleHost
	return r
}

// Run samples once immediately, then on every tick, until ctx is
// cancelled. It is meant to be hosted as an infinite taskpool.Task, the
// same "ticker loop as an infinite task" shape the connector and
// processor use.
func (r *Reporter) Run(ctx context.Context) (any, error) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.emit()
	for {
		select {
		case <-ctx.Done():
			return nil, nil
		case <-ticker.C:
			r.emit()
		}
	}
}

func (r *Reporter) emit() {
	cpuPct, memPct, diskPct := r.sample()
	msg := &protocol.StatusMessage{
		MID:         newMID(),
		CPUPercent:  cpuPct,
		MemPercent:  memPct,
		DiskPercent: diskPct,
	}
	select {
	case r.out <- msg:
	default:
		r.log.Warn("telemetry egress full, dropping status sample")
	}
}

// newMID returns a random 64-bit message identifier as lowercase hex.
func newMID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func (r *Reporter) sampleHost() (cpuPct, memPct, diskPct float64) {
	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		cpuPct = percentages[0]
	} else {
		r.log.Debug("failed to sample cpu", "error", err)
	}
	if v, err := mem.VirtualMemory(); err == nil {
		memPct = v.UsedPercent
	} else {
		r.log.Debug("failed to sample memory", "error", err)
	}
	if d, err := disk.Usage("/"); err == nil {
		diskPct = d.UsedPercent
	} else {
		r.log.Debug("failed to sample disk", "error", err)
	}
	return cpuPct, memPct, diskPct
}
