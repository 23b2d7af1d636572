// Copyright (c) 2025 Databracket. All rights reserved.
// Use of this source code is governed by the license that can be found
// in the LICENSE file.

// Package agentapp wires the connector, processor, worker pool, and
// optional telemetry reporter into one process-wide lifecycle, and
// owns the signal handling that drives orderly shutdown: SIGTERM and
// SIGINT trigger an ordered stop, SIGHUP reloads the log level without
// tearing down the running SSH session.
package agentapp

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/Databracket/bastio-agent/internal/backend"
	"github.com/Databracket/bastio-agent/internal/config"
	"github.com/Databracket/bastio-agent/internal/taskpool"
	"github.com/Databracket/bastio-agent/internal/telemetry"
)

// DefaultStopTimeout bounds how long Stop waits for the worker pool to
// drain before giving up.
const DefaultStopTimeout = 3 * time.Second

// App owns one running agent: its worker pool, its connector, its
// action processor, and (optionally) a telemetry reporter.
type App struct {
	log        *slog.Logger
	levelVar   *slog.LevelVar
	configPath string

	pool       *taskpool.Pool
	connector  *backend.Connector
	processor  stoppable
	telemetry  *telemetry.Reporter
	stopTimeout time.Duration

	runID string
}

// stoppable is the subset of *accounts.Processor that agentapp depends
// on, avoiding an import of the accounts package (which already
// imports backend) so agentapp stays a pure wiring layer.
type stoppable interface {
	Task() *taskpool.Task
	Stop()
}

// Config gathers everything New needs to assemble an App.
type Config struct {
	ConfigPath string
	MinWorkers int
	StopTimeout time.Duration
}

// New assembles an App. levelVar lets SIGHUP adjust the running log
// level without tearing down the process; pass nil to disable that.
func New(cfg Config, log *slog.Logger, levelVar *slog.LevelVar, connector *backend.Connector, processor stoppable, reporter *telemetry.Reporter) *App {
	if log == nil {
		log = slog.Default()
	}
	stopTimeout := cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	minWorkers := cfg.MinWorkers
	if minWorkers <= 0 {
		minWorkers = 4
	}
	runID := uuid.NewString()
	return &App{
		log:         log.With("run_id", runID),
		levelVar:    levelVar,
		configPath:  cfg.ConfigPath,
		pool:        taskpool.New(minWorkers, log),
		connector:   connector,
		processor:   processor,
		telemetry:   reporter,
		stopTimeout: stopTimeout,
		runID:       runID,
	}
}

// RunID returns the per-process identifier generated at construction,
// useful for correlating this process's log lines across restarts.
func (a *App) RunID() string { return a.runID }

// Run submits the connector, processor, and (if configured) telemetry
// loops as infinite tasks, then blocks handling signals until SIGTERM
// or SIGINT, or until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("agent starting")

	a.pool.Submit(a.connector.Task())
	a.pool.Submit(a.processor.Task())
	if a.telemetry != nil {
		telemetryTask := taskpool.NewTask(a.telemetry.Run, taskpool.Infinite(), taskpool.WithFailure(func(f *taskpool.Failure) {
			a.log.Error("telemetry loop failure", "error", f.Error())
		}))
		a.pool.Submit(telemetryTask)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			a.Stop()
			return ctx.Err()
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				a.reload()
				continue
			}
			a.log.Info("received signal, shutting down", "signal", sig)
			a.Stop()
			return nil
		}
	}
}

// reload re-reads the configuration file and applies the subset of
// settings that can change without a reconnect: the log level. Fields
// that shape the connector (host, port, keys) require a full restart.
func (a *App) reload() {
	a.log.Info("received SIGHUP, reloading config", "path", a.configPath)
	if a.configPath == "" {
		return
	}
	cfg, err := config.LoadAgentConfig(a.configPath)
	if err != nil {
		a.log.Error("reload failed, keeping current settings", "error", err)
		return
	}
	if a.levelVar != nil {
		a.levelVar.Set(parseLevelForReload(cfg.Logging.Level))
	}
	a.log.Info("config reloaded", "log_level", cfg.Logging.Level)
}

func parseLevelForReload(level string) slog.Level {
	switch level {
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

// Stop cascades shutdown in order: close the connector's channel first
// (no more inbound actions are accepted), then stop the processor's
// dispatch loop, then drain the pool.
func (a *App) Stop() {
	a.connector.Stop()
	a.processor.Stop()
	if !a.pool.RemoveAllWorkers(a.stopTimeout) {
		a.log.Warn("worker pool did not drain within stop timeout", "timeout", a.stopTimeout)
	}
	a.log.Info("agent stopped")
}
