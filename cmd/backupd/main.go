// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Command backupd is the scheduled database backup controller daemon: it
// loads configuration, opens the Persistence Gateway, and runs the
// Scheduler and Retention workers until signalled to stop. Grounded on the
// teacher's cmd/nbackup-agent/main.go and internal/agent/daemon.go
// (RunDaemon's signal.Notify/SIGHUP-reload pattern), adapted from a
// flag-parsed agent config to pflag+viper per internal/config.LoadWithFlags.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/dbvault/backupd/internal/artifactstore"
	"github.com/dbvault/backupd/internal/config"
	"github.com/dbvault/backupd/internal/logging"
	"github.com/dbvault/backupd/internal/orchestrator"
	"github.com/dbvault/backupd/internal/preflight"
	"github.com/dbvault/backupd/internal/retention"
	"github.com/dbvault/backupd/internal/scheduler"
	"github.com/dbvault/backupd/internal/store"
)

func main() {
	flags := pflag.NewFlagSet("backupd", pflag.ExitOnError)
	configPath := flags.String("config", "/etc/backupd/config.yaml", "path to configuration file")
	flags.Parse(os.Args[1:])

	cfg, err := config.LoadWithFlags(*configPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	if err := runDaemon(*configPath, cfg, logger); err != nil {
		logger.Error("daemon error", "error", err)
		os.Exit(1)
	}
}

// runtime holds the live daemon's background workers and their shared
// cancellation, so SIGHUP can tear one generation down and start another
// without exiting the process.
type runtime struct {
	gateway *store.Gateway
	events  *logging.EventStore
	cancel  context.CancelFunc
	wg      chan struct{}
}

// startRuntime wires the Persistence Gateway, Job Orchestrator, Scheduler
// Worker and Retention Workers from cfg and launches both workers' tick
// loops in background goroutines.
func startRuntime(cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	if err := os.MkdirAll(cfg.BackupDirectory(), 0o755); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}
	if err := os.MkdirAll(cfg.LogDirectory(), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	dsn := cfg.Database.DSN
	if cfg.Database.Driver == "" || cfg.Database.Driver == "sqlite" {
		if dsn == "" {
			dsn = cfg.StateDBPath()
		}
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("creating state db directory: %w", err)
		}
	}

	gateway, err := store.Open(cfg.Database.Driver, dsn, store.PoolConfig{
		MaxIdleConns:    2,
		MaxOpenConns:    10,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("opening gateway: %w", err)
	}

	events, err := logging.NewEventStore(filepath.Join(cfg.LogDirectory(), "events.jsonl"), 256, 10000)
	if err != nil {
		gateway.Close()
		return nil, fmt.Errorf("opening event store: %w", err)
	}

	artifacts := artifactstore.New(cfg.BackupDirectory())
	prober := preflight.NewProber()

	orch := orchestrator.New(gateway, prober, artifacts, orchestrator.Paths{
		BackupDir:    cfg.BackupDirectory(),
		LogDir:       cfg.LogDirectory(),
		DumperBin:    cfg.DumperPath,
		LoaderBin:    cfg.LoaderPath,
		MaxLineBytes: int(cfg.ArchiveStreamBufferBytesRaw()),
	}, cfg.CancelGrace(), logger, events)

	sched := scheduler.New(gateway, orch, cfg.SchedulerTick(), logger, events)
	ret := retention.New(gateway, artifacts, cfg.LogDirectory(), cfg.RetentionSweepInterval(), cfg.JobLogRetention(), logger, events)

	if err := events.Emit(logging.Event{Level: logging.LevelInfo, Category: logging.CategorySystem, EntityType: "daemon", Message: "backupd runtime started"}); err != nil {
		logger.Error("persisting startup event", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	wg := make(chan struct{})
	go func() {
		done := make(chan struct{}, 2)
		go func() { sched.Run(ctx); done <- struct{}{} }()
		go func() { ret.Run(ctx); done <- struct{}{} }()
		<-done
		<-done
		close(wg)
	}()

	return &runtime{gateway: gateway, events: events, cancel: cancel, wg: wg}, nil
}

// stop cancels the runtime's workers, waits up to timeout for both to
// return, then closes the Gateway and event store regardless.
func (rt *runtime) stop(timeout time.Duration) {
	rt.cancel()
	select {
	case <-rt.wg:
	case <-time.After(timeout):
	}
	rt.gateway.Close()
	_ = rt.events.Close()
}

// runDaemon blocks until SIGTERM or SIGINT. SIGHUP reloads configuration
// without downtime: the current runtime is stopped and a new one started
// from the reloaded config, mirroring the teacher's RunDaemon.
func runDaemon(configPath string, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting backupd",
		"scheduler_tick_seconds", cfg.SchedulerTickSeconds,
		"retention_sweep_hours", cfg.RetentionSweepHours,
		"database_driver", cfg.Database.Driver,
	)

	rt, err := startRuntime(cfg, logger)
	if err != nil {
		return fmt.Errorf("starting runtime: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		sig := <-sigCh

		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, reloading config", "path", configPath)

			newCfg, loadErr := config.Load(configPath)
			if loadErr != nil {
				logger.Error("reload failed, keeping current config", "error", loadErr)
				continue
			}

			rt.stop(30 * time.Second)

			cfg = newCfg
			rt, err = startRuntime(cfg, logger)
			if err != nil {
				return fmt.Errorf("restarting runtime after reload: %w", err)
			}
			logger.Info("config reloaded successfully")
			continue
		}

		logger.Info("received signal, shutting down", "signal", sig)
		rt.stop(30 * time.Second)
		return nil
	}
}
