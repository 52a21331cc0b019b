// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package scheduler runs the fixed-interval tick loop that evaluates due
// tasks and delegates job creation to the Orchestrator, per SPEC_FULL.md
// §4.2. The per-task skip-if-busy idiom is grounded on the teacher's
// internal/agent/scheduler.go (executeJob's mu/running guard) and on
// viperadnan-git/dbstash's atomic.Bool CompareAndSwap guard ("skipping
// backup: previous run still in progress"); the tick timer itself uses a
// stdlib time.Ticker rather than robfig/cron/v3, since a fixed-interval
// wakeup is not what that library is for (cron.NewParser remains the tool
// for the per-task cron expressions evaluated each tick, via
// internal/cronschedule).
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dbvault/backupd/internal/cronschedule"
	"github.com/dbvault/backupd/internal/logging"
	"github.com/dbvault/backupd/internal/orchestrator"
	"github.com/dbvault/backupd/internal/store"
)

// Snapshot is the Scheduler's health-reporting state, exposed to readers
// via a read-through snapshot method guarded by a short-lived mutex
// (spec §9), rather than the owning goroutine sharing mutable fields
// directly.
type Snapshot struct {
	TickCount  int64
	LastTickAt time.Time
}

// Worker is the Scheduler's single cooperative tick goroutine.
type Worker struct {
	gateway      *store.Gateway
	orchestrator *orchestrator.Orchestrator
	tick         time.Duration
	logger       *slog.Logger
	events       *logging.EventStore

	mu       sync.Mutex
	snapshot Snapshot
}

// New builds a Worker ticking every tick (scheduler_tick_seconds,
// minimum enforced by config validation, not here). events may be nil.
func New(gateway *store.Gateway, orch *orchestrator.Orchestrator, tick time.Duration, logger *slog.Logger, events *logging.EventStore) *Worker {
	return &Worker{gateway: gateway, orchestrator: orch, tick: tick, logger: logger, events: events}
}

// Run blocks ticking every w.tick until ctx is cancelled. The Scheduler
// never blocks on a running job: TryStartBackup only creates the job row
// and returns, the job driver itself runs in its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tickOnce(ctx)
		}
	}
}

// tickOnce implements one scheduler tick: load due tasks, advance each
// one's schedule, and ask the Orchestrator to try to start a backup.
// Failure inside one task's handling does not halt the tick.
func (w *Worker) tickOnce(ctx context.Context) {
	now := time.Now().UTC()

	tasks, err := w.gateway.DueTasks(ctx, now)
	if err != nil {
		w.logger.Error("listing due tasks", "error", err)
		w.recordTick(now)
		return
	}

	for _, task := range tasks {
		if err := w.fireTask(ctx, task, now); err != nil {
			w.logger.Error("handling due task", "task_id", task.ID, "task_name", task.Name, "error", err)
		}
	}

	w.recordTick(now)
}

func (w *Worker) fireTask(ctx context.Context, task store.Task, now time.Time) error {
	next, err := cronschedule.NextAfter(task.CronExpr, now)
	if err != nil {
		w.logger.Error("invalid cron expression for task, skipping", "task_id", task.ID, "cron_expr", task.CronExpr, "error", err)
		return nil
	}
	if err := w.gateway.UpdateTaskSchedule(ctx, task.ID, now, next); err != nil {
		return err
	}

	conn, err := w.gateway.GetConnection(ctx, task.ConnectionID)
	if err != nil {
		w.logger.Error("loading connection for due task", "task_id", task.ID, "connection_id", task.ConnectionID, "error", err)
		return nil
	}

	_, err = w.orchestrator.TryStartBackup(ctx, &task, conn, store.BackupKindScheduled)
	if err == orchestrator.ErrCollision {
		w.logger.Info("skipping scheduled backup: previous run still in progress", "task_id", task.ID, "task_name", task.Name)
		return nil
	}
	if err == nil {
		w.emitTaskEvent(task.ID, "task fired: backup job created")
	}
	return err
}

// emitTaskEvent records a task-lifecycle event to the rotating JSONL event
// stream, a no-op when no store was configured.
func (w *Worker) emitTaskEvent(taskID, message string) {
	if w.events == nil {
		return
	}
	if err := w.events.Emit(logging.Event{
		Level: logging.LevelInfo, Category: logging.CategoryTask, EntityType: "task", EntityID: taskID, Message: message,
	}); err != nil {
		w.logger.Error("persisting task event", "task_id", taskID, "error", err)
	}
}

func (w *Worker) recordTick(at time.Time) {
	w.mu.Lock()
	w.snapshot.TickCount++
	w.snapshot.LastTickAt = at
	w.mu.Unlock()
}

// Snapshot returns the Worker's current health-reporting state.
func (w *Worker) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshot
}
