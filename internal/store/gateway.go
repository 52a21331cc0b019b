// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package store is the Persistence Gateway: typed CRUD over Connection,
// Task, Job and Artifact entities backed by GORM, with schema migration and
// atomic status transitions. Grounded on cronjob-guardian's
// internal/store/gorm.go (dialect-selectable Store, AutoMigrate, pool
// tuning, typed query methods) adapted from its CronJob-execution domain to
// this module's backup-job domain.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// ErrJobConflict is returned when starting a job would violate the
// at-most-one-non-terminal-job-per-task rule (spec §5).
var ErrJobConflict = errors.New("store: a non-terminal job already exists for this task")

// ErrInUse is returned when deleting a Connection still referenced by a Task.
var ErrInUse = errors.New("store: connection is still referenced by a task")

// PoolConfig mirrors cronjob-guardian's ConnectionPoolConfig: pool tuning is
// a no-op for the embedded SQLite dialect and only applies to mysql/postgres.
type PoolConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Gateway is the Persistence Gateway: a single writer-serialized *gorm.DB
// wrapped with typed entity operations.
type Gateway struct {
	db      *gorm.DB
	dialect string
}

// Open creates a Gateway against the given dialect ("sqlite", "mysql",
// "postgres") and DSN, then runs AutoMigrate for every entity.
func Open(dialect, dsn string, pool PoolConfig) (*Gateway, error) {
	var dialector gorm.Dialector
	switch dialect {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
		dialect = "sqlite"
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported store dialect %q", dialect)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening gateway: %w", err)
	}

	if dialect != "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("getting sql.DB for pool config: %w", err)
		}
		if pool.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
		}
		if pool.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
		}
		if pool.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
		}
		if pool.ConnMaxIdleTime > 0 {
			sqlDB.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
		}
	}

	g := &Gateway{db: db, dialect: dialect}
	if err := g.migrate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gateway) migrate() error {
	return g.db.AutoMigrate(&Connection{}, &Task{}, &Job{}, &Artifact{}, &TableProgressSnapshot{})
}

// Close releases the underlying connection pool.
func (g *Gateway) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- Connection CRUD ---

// CreateConnection inserts a new Connection row.
func (g *Gateway) CreateConnection(ctx context.Context, c *Connection) error {
	return g.db.WithContext(ctx).Create(c).Error
}

// GetConnection fetches a Connection by id.
func (g *Gateway) GetConnection(ctx context.Context, id string) (*Connection, error) {
	var c Connection
	err := g.db.WithContext(ctx).First(&c, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConnections returns every Connection.
func (g *Gateway) ListConnections(ctx context.Context) ([]Connection, error) {
	var cs []Connection
	err := g.db.WithContext(ctx).Order("name").Find(&cs).Error
	return cs, err
}

// UpdateConnectionVerdict records a connection test result.
func (g *Gateway) UpdateConnectionVerdict(ctx context.Context, id, verdict string) error {
	now := time.Now().UTC()
	return g.db.WithContext(ctx).Model(&Connection{}).Where("id = ?", id).
		Updates(map[string]interface{}{"test_verdict": verdict, "last_verdict_at": &now}).Error
}

// DeleteConnection removes a Connection, refusing if any Task still
// references it (spec §3: "Deleted only if no task references it").
func (g *Gateway) DeleteConnection(ctx context.Context, id string) error {
	var count int64
	if err := g.db.WithContext(ctx).Model(&Task{}).Where("connection_id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrInUse
	}
	return g.db.WithContext(ctx).Delete(&Connection{}, "id = ?", id).Error
}

// --- Task CRUD ---

// CreateTask inserts a new Task row.
func (g *Gateway) CreateTask(ctx context.Context, t *Task) error {
	return g.db.WithContext(ctx).Create(t).Error
}

// GetTask fetches a Task by id.
func (g *Gateway) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	err := g.db.WithContext(ctx).First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasks returns every Task.
func (g *Gateway) ListTasks(ctx context.Context) ([]Task, error) {
	var ts []Task
	err := g.db.WithContext(ctx).Order("name").Find(&ts).Error
	return ts, err
}

// DueTasks returns every enabled task whose next_fire_at is null or <= asOf,
// the selection query driving the Scheduler Worker's tick (spec §4.2).
func (g *Gateway) DueTasks(ctx context.Context, asOf time.Time) ([]Task, error) {
	var ts []Task
	err := g.db.WithContext(ctx).
		Where("enabled = ?", true).
		Where("next_fire_at IS NULL OR next_fire_at <= ?", asOf).
		Find(&ts).Error
	return ts, err
}

// UpdateTaskSchedule persists next_fire_at/last_fire_at after a tick
// evaluates the task's cron expression.
func (g *Gateway) UpdateTaskSchedule(ctx context.Context, id string, lastFireAt, nextFireAt time.Time) error {
	return g.db.WithContext(ctx).Model(&Task{}).Where("id = ?", id).
		Updates(map[string]interface{}{"last_fire_at": &lastFireAt, "next_fire_at": &nextFireAt}).Error
}

// DeleteTask removes a Task row (the UI must have already detached it;
// cascade-on-delete is disallowed per spec §3).
func (g *Gateway) DeleteTask(ctx context.Context, id string) error {
	return g.db.WithContext(ctx).Delete(&Task{}, "id = ?", id).Error
}

// --- Job CRUD & state machine ---

// CreateJobIfNoConflict inserts a Job row for a task unless a non-terminal
// job already exists for that task, returning ErrJobConflict in that case.
// The check-then-insert happens inside one transaction, the application-level
// substitute for a partial unique index (spec §5: SQLite has no partial
// indexes, so the uniqueness constraint lives in code around one
// serialized write instead of in the schema alone).
func (g *Gateway) CreateJobIfNoConflict(ctx context.Context, job *Job) error {
	if job.TaskID == nil {
		return g.db.WithContext(ctx).Create(job).Error
	}
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Job{}).
			Where("task_id = ? AND status IN ?", *job.TaskID, NonTerminalStatuses).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrJobConflict
		}
		return tx.Create(job).Error
	})
}

// GetJob fetches a Job by id.
func (g *Gateway) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	err := g.db.WithContext(ctx).First(&j, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// ListJobsForTask returns every job for a task, most recent first.
func (g *Gateway) ListJobsForTask(ctx context.Context, taskID string) ([]Job, error) {
	var js []Job
	err := g.db.WithContext(ctx).Where("task_id = ?", taskID).Order("created_at DESC").Find(&js).Error
	return js, err
}

// NonTerminalJobForTask returns the live job for a task, if any.
func (g *Gateway) NonTerminalJobForTask(ctx context.Context, taskID string) (*Job, error) {
	var j Job
	err := g.db.WithContext(ctx).
		Where("task_id = ? AND status IN ?", taskID, NonTerminalStatuses).
		First(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// TransitionJob conditionally moves a job to newStatus, refusing the update
// if the row is already in a terminal state. This is the compare-and-swap
// style conditional update spec §5 calls for: "UPDATE jobs SET status=?
// WHERE id=? AND status NOT IN (terminal)". Returns ErrNotFound if the row
// was already terminal (or absent) and the update did not apply.
func (g *Gateway) TransitionJob(ctx context.Context, id, newStatus string, fields map[string]interface{}) error {
	fields["status"] = newStatus
	res := g.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status NOT IN ?", id, []string{StatusCompleted, StatusFailed, StatusCancelled}).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateJobProgress is a narrow helper for the Progress Parser's
// rate-limited persistence writes (spec §4.6): it only ever updates the
// progress column on a still-live job, so it is safe to call frequently
// without risking a terminal-status downgrade race.
func (g *Gateway) UpdateJobProgress(ctx context.Context, id string, percent int) error {
	res := g.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status IN ?", id, NonTerminalStatuses).
		Update("progress", percent)
	return res.Error
}

// --- Artifact CRUD ---

// CreateArtifact inserts a new Artifact row.
func (g *Gateway) CreateArtifact(ctx context.Context, a *Artifact) error {
	return g.db.WithContext(ctx).Create(a).Error
}

// GetArtifact fetches an Artifact by id.
func (g *Gateway) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	var a Artifact
	err := g.db.WithContext(ctx).First(&a, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListArtifacts returns every Artifact, most recent first.
func (g *Gateway) ListArtifacts(ctx context.Context) ([]Artifact, error) {
	var as []Artifact
	err := g.db.WithContext(ctx).Order("created_at DESC").Find(&as).Error
	return as, err
}

// ArtifactsOlderThanForTask returns artifacts owned by taskID created before
// cutoff, the Backup Retention worker's sweep query (spec §4.8). Artifacts
// with a null task id are never returned here — they are excluded from
// retention by construction of the caller's per-task loop.
func (g *Gateway) ArtifactsOlderThanForTask(ctx context.Context, taskID string, cutoff time.Time) ([]Artifact, error) {
	var as []Artifact
	err := g.db.WithContext(ctx).
		Where("task_id = ? AND created_at < ?", taskID, cutoff).
		Find(&as).Error
	return as, err
}

// DeleteArtifactRow removes only the Artifact's row; the Artifact Store
// owns deleting the on-disk files before calling this.
func (g *Gateway) DeleteArtifactRow(ctx context.Context, id string) error {
	return g.db.WithContext(ctx).Delete(&Artifact{}, "id = ?", id).Error
}

// --- Table progress snapshots ---

// UpsertTableProgressSnapshot persists a point-in-time view of one table's
// progress for detail views (the live, authoritative state is the Progress
// Parser's in-memory map; this is a derived, rebuildable cache).
func (g *Gateway) UpsertTableProgressSnapshot(ctx context.Context, snap *TableProgressSnapshot) error {
	var existing TableProgressSnapshot
	err := g.db.WithContext(ctx).
		Where("job_id = ? AND name = ?", snap.JobID, snap.Name).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return g.db.WithContext(ctx).Create(snap).Error
	}
	if err != nil {
		return err
	}
	snap.ID = existing.ID
	return g.db.WithContext(ctx).Save(snap).Error
}

// ListTableProgressSnapshots returns every per-table snapshot for a job.
func (g *Gateway) ListTableProgressSnapshots(ctx context.Context, jobID string) ([]TableProgressSnapshot, error) {
	var snaps []TableProgressSnapshot
	err := g.db.WithContext(ctx).Where("job_id = ?", jobID).Order("name").Find(&snaps).Error
	return snaps, err
}
