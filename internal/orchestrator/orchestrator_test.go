// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dbvault/backupd/internal/artifactstore"
	"github.com/dbvault/backupd/internal/preflight"
	"github.com/dbvault/backupd/internal/store"
)

func newTestOrchestrator(t *testing.T, dumperScript string) (*Orchestrator, *store.Gateway, string) {
	t.Helper()

	g, err := store.Open("sqlite", "file::memory:?cache=shared", store.PoolConfig{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { g.Close() })

	root := t.TempDir()
	backupDir := filepath.Join(root, "backups")
	logDir := filepath.Join(root, "logs")
	_ = os.MkdirAll(backupDir, 0o755)
	_ = os.MkdirAll(logDir, 0o755)

	scriptPath := filepath.Join(root, "dumper.sh")
	if err := os.WriteFile(scriptPath, []byte(dumperScript), 0o755); err != nil {
		t.Fatalf("writing dumper script: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	prober := preflight.NewProber()
	artifacts := artifactstore.New(backupDir)

	o := New(g, prober, artifacts, Paths{BackupDir: backupDir, LogDir: logDir, DumperBin: scriptPath, LoaderBin: scriptPath}, 2*time.Second, logger, nil)
	return o, g, root
}

func TestResolveDatabase(t *testing.T) {
	conn := &store.Connection{Name: "prod", DefaultDatabase: "app"}

	used, db, ok := resolveDatabase(conn, "")
	if !ok || used != "prod/app" || db != "app" {
		t.Errorf("expected default database resolution, got used=%q db=%q ok=%v", used, db, ok)
	}

	used, db, ok = resolveDatabase(conn, "override")
	if !ok || used != "prod/override" || db != "override" {
		t.Errorf("expected task database_name to override, got used=%q db=%q ok=%v", used, db, ok)
	}

	conn2 := &store.Connection{Name: "prod"}
	_, _, ok = resolveDatabase(conn2, "")
	if ok {
		t.Error("expected resolution to fail when neither source provides a database name")
	}
}

func TestTryStartBackup_FailsFastWhenNoDatabaseResolved(t *testing.T) {
	o, g, _ := newTestOrchestrator(t, "#!/bin/sh\nexit 0\n")
	ctx := context.Background()

	conn := &store.Connection{ID: uuid.New().String(), Name: "prod", Host: "h", Port: 3306, Username: "u"}
	_ = g.CreateConnection(ctx, conn)
	task := &store.Task{ID: uuid.New().String(), Name: "t", ConnectionID: conn.ID, CronExpr: "0 2 * * *"}
	_ = g.CreateTask(ctx, task)

	job, err := o.TryStartBackup(ctx, task, conn, store.BackupKindScheduled)
	if err != nil {
		t.Fatalf("TryStartBackup: %v", err)
	}
	if job.Status != store.StatusFailed || job.ErrorMessage != "no database resolved" {
		t.Errorf("expected immediate failure with no database resolved, got %+v", job)
	}
}

func TestTryStartBackup_RefusesCollidingTask(t *testing.T) {
	o, g, _ := newTestOrchestrator(t, "#!/bin/sh\nsleep 5\n")
	ctx := context.Background()

	conn := &store.Connection{ID: uuid.New().String(), Name: "prod", Host: "h", Port: 3306, Username: "u", DefaultDatabase: "app"}
	_ = g.CreateConnection(ctx, conn)
	task := &store.Task{ID: uuid.New().String(), Name: "t", ConnectionID: conn.ID, CronExpr: "0 2 * * *"}
	_ = g.CreateTask(ctx, task)

	existing := &store.Job{ID: uuid.New().String(), Type: store.JobTypeBackup, TaskID: &task.ID, Status: store.StatusRunning}
	if err := g.CreateJobIfNoConflict(ctx, existing); err != nil {
		t.Fatalf("seeding existing job: %v", err)
	}

	_, err := o.TryStartBackup(ctx, task, conn, store.BackupKindScheduled)
	if err != ErrCollision {
		t.Errorf("expected ErrCollision, got %v", err)
	}
}

func TestCancel_OnUnknownJobIsNoOp(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, "#!/bin/sh\nexit 0\n")
	o.Cancel("nonexistent-job-id") // must not panic
}
