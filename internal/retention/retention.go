// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package retention runs the two periodic housekeeping workers described in
// SPEC_FULL.md §4.8: task-scoped backup-artifact expiry and global job-log
// expiry. Both are adapted from the teacher's internal/server/storage.go
// Rotate, turning its count-threshold policy into an age-threshold one
// while keeping the same "list candidates, delete, log a summary" shape;
// the non-reentrant guard reuses the teacher's skip-if-running idiom from
// scheduler.go.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dbvault/backupd/internal/artifactstore"
	"github.com/dbvault/backupd/internal/logging"
	"github.com/dbvault/backupd/internal/store"
)

// Clock is injected so sweeps are testable without waiting on wall time.
type Clock func() time.Time

// Worker runs the backup and log retention sweeps on a fixed interval.
type Worker struct {
	gateway   *store.Gateway
	artifacts *artifactstore.Store
	logRoot   string
	interval  time.Duration
	logRetain time.Duration
	clock     Clock
	logger    *slog.Logger
	events    *logging.EventStore

	backupMu sync.Mutex
	logMu    sync.Mutex
}

// New builds a retention Worker. interval is the sweep period
// (retention_sweep_hours); logRetain is job_log_retention_days expressed as
// a Duration. events may be nil.
func New(gateway *store.Gateway, artifacts *artifactstore.Store, logRoot string, interval, logRetain time.Duration, logger *slog.Logger, events *logging.EventStore) *Worker {
	return &Worker{
		gateway:   gateway,
		artifacts: artifacts,
		logRoot:   logRoot,
		interval:  interval,
		logRetain: logRetain,
		clock:     time.Now,
		logger:    logger,
		events:    events,
	}
}

// emitWorkerEvent records a worker-lifecycle event to the rotating JSONL
// event stream, a no-op when no store was configured.
func (w *Worker) emitWorkerEvent(message string) {
	if w.events == nil {
		return
	}
	if err := w.events.Emit(logging.Event{
		Level: logging.LevelInfo, Category: logging.CategoryWorker, EntityType: "retention", Message: message,
	}); err != nil {
		w.logger.Error("persisting worker event", "error", err)
	}
}

// Run blocks, sweeping every interval (after an initial 30s delay) until
// ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	initial := time.NewTimer(30 * time.Second)
	defer initial.Stop()

	select {
	case <-ctx.Done():
		return
	case <-initial.C:
	}
	w.sweepOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepOnce(ctx)
		}
	}
}

func (w *Worker) sweepOnce(ctx context.Context) {
	if n, err := w.SweepBackups(ctx); err != nil {
		w.logger.Error("backup retention sweep failed", "error", err)
		w.emitWorkerEvent("backup retention sweep failed: " + err.Error())
	} else if n > 0 {
		w.logger.Info("backup retention sweep complete", "deleted", n)
		w.emitWorkerEvent(fmt.Sprintf("backup retention sweep deleted %d artifact(s)", n))
	}

	if n, err := w.SweepLogs(ctx); err != nil {
		w.logger.Error("log retention sweep failed", "error", err)
		w.emitWorkerEvent("log retention sweep failed: " + err.Error())
	} else if n > 0 {
		w.logger.Info("log retention sweep complete", "deleted", n)
		w.emitWorkerEvent(fmt.Sprintf("log retention sweep deleted %d log dir(s)", n))
	}
}

// SweepBackups deletes, per task, every artifact owned by that task whose
// creation time is older than the task's retention window. Task-less
// (uploaded/external) artifacts are never touched here.
func (w *Worker) SweepBackups(ctx context.Context) (int, error) {
	if !w.backupMu.TryLock() {
		w.logger.Warn("skipping backup retention sweep: previous sweep still running")
		return 0, nil
	}
	defer w.backupMu.Unlock()

	tasks, err := w.gateway.ListTasks(ctx)
	if err != nil {
		return 0, err
	}

	now := w.clock()
	deleted := 0
	for _, task := range tasks {
		cutoff := now.Add(-time.Duration(task.RetentionDays) * 24 * time.Hour)
		artifacts, err := w.gateway.ArtifactsOlderThanForTask(ctx, task.ID, cutoff)
		if err != nil {
			w.logger.Error("listing artifacts for retention", "task_id", task.ID, "error", err)
			continue
		}
		for _, a := range artifacts {
			name := filepath.Base(filepath.Dir(a.FilePath))
			if _, err := w.artifacts.Delete(name); err != nil {
				w.logger.Error("deleting expired artifact", "artifact_id", a.ID, "error", err)
				continue
			}
			if err := w.gateway.DeleteArtifactRow(ctx, a.ID); err != nil {
				w.logger.Error("deleting expired artifact row", "artifact_id", a.ID, "error", err)
				continue
			}
			deleted++
		}
	}
	return deleted, nil
}

// SweepLogs deletes per-job log directories older than the configured log
// retention window, skipping any job that is still non-terminal.
func (w *Worker) SweepLogs(ctx context.Context) (int, error) {
	if !w.logMu.TryLock() {
		w.logger.Warn("skipping log retention sweep: previous sweep still running")
		return 0, nil
	}
	defer w.logMu.Unlock()

	entries, err := os.ReadDir(w.logRoot)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	now := w.clock()
	cutoff := now.Add(-w.logRetain)
	deleted := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		jobID := e.Name()

		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		job, err := w.gateway.GetJob(ctx, jobID)
		switch {
		case err == nil:
			if !store.IsTerminal(job.Status) {
				continue
			}
		case errors.Is(err, store.ErrNotFound):
			// No job row for this directory: safe to treat as orphaned.
		default:
			w.logger.Error("checking job status for log retention", "job_id", jobID, "error", err)
			continue
		}

		if err := os.RemoveAll(filepath.Join(w.logRoot, jobID)); err != nil {
			w.logger.Error("deleting expired job log", "job_id", jobID, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}
