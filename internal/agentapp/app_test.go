// Copyright (c) 2025 Databracket. All rights reserved.
// Use of this source code is governed by the license that can be found
// in the LICENSE file.

package agentapp

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/Databracket/bastio-agent/internal/backend"
	"github.com/Databracket/bastio-agent/internal/taskpool"
)

// fakeProcessor is a minimal stoppable whose task never does real work,
// just tracks whether Stop was called.
type fakeProcessor struct {
	stopped atomic.Bool
}

func (f *fakeProcessor) Task() *taskpool.Task {
	return taskpool.NewTask(func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, nil
	}, taskpool.Infinite())
}

func (f *fakeProcessor) Stop() { f.stopped.Store(true) }

func newTestApp(t *testing.T, configPath string) (*App, *fakeProcessor) {
	t.Helper()
	connector := backend.New(backend.Config{Host: "127.0.0.1", Port: 2222}, nil)
	proc := &fakeProcessor{}
	levelVar := &slog.LevelVar{}
	app := New(Config{ConfigPath: configPath, StopTimeout: time.Second}, nil, levelVar, connector, proc, nil)
	return app, proc
}

func TestStopCascadesToProcessorAndConnector(t *testing.T) {
	app, proc := newTestApp(t, "")
	app.pool.Submit(app.connector.Task())
	app.pool.Submit(proc.Task())

	app.Stop()

	if !proc.stopped.Load() {
		t.Fatal("expected processor.Stop to be called")
	}
	if app.connector.State() != backend.StateClosing {
		t.Fatalf("expected connector in closing state, got %s", app.connector.State())
	}
	if app.pool.Workers() != 0 {
		t.Fatalf("expected pool drained to 0 workers, got %d", app.pool.Workers())
	}
}

func TestReloadUpdatesLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	body := `
agent:
  host: backend.example.com
  port: 2222
  agentkey: /etc/bastio/agent.pem
  apikey: abc123
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	app, _ := newTestApp(t, path)
	app.reload()

	if app.levelVar.Level() != slog.LevelDebug {
		t.Fatalf("expected level debug after reload, got %v", app.levelVar.Level())
	}
}

func TestRunShutsDownOnSIGTERM(t *testing.T) {
	app, proc := newTestApp(t, "")

	done := make(chan error, 1)
	go func() {
		done <- app.Run(context.Background())
	}()

	// Give Run a moment to register its signal handler before sending.
	time.Sleep(50 * time.Millisecond)
	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after SIGTERM")
	}

	if !proc.stopped.Load() {
		t.Fatal("expected processor stopped after SIGTERM shutdown")
	}
}
