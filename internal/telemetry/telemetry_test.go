// Copyright (c) 2025 Databracket. All rights reserved.
// Use of this source code is governed by the license that can be found
// in the LICENSE file.

package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/Databracket/bastio-agent/internal/protocol"
)

func TestReporterEmitsImmediatelyAndOnTick(t *testing.T) {
	out := make(chan protocol.Message, 8)
	r := New(out, 10*time.Millisecond, nil)
	r.sample = func() (float64, float64, float64) { return 12.5, 34.0, 56.0 }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	select {
	case msg := <-out:
		status := msg.(*protocol.StatusMessage)
		if status.CPUPercent != 12.5 || status.MemPercent != 34.0 || status.DiskPercent != 56.0 {
			t.Fatalf("got %+v", status)
		}
	case <-time.After(time.Second):
		t.Fatal("expected immediate sample on Run")
	}

	select {
	case <-out:
	case <-time.After(time.Second):
		t.Fatal("expected a second sample from the ticker")
	}

	cancel()
	<-done
}

func TestReporterDropsWhenEgressFull(t *testing.T) {
	out := make(chan protocol.Message, 1)
	out <- protocol.NewFeedback("placeholder", protocol.StatusSuccess, "")
	r := New(out, time.Hour, nil)
	r.sample = func() (float64, float64, float64) { return 1, 2, 3 }

	r.emit() // must not block even though out is full

	if len(out) != 1 {
		t.Fatalf("expected egress to remain at capacity 1, got %d", len(out))
	}
}
