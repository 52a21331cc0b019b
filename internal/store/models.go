// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package store

import "time"

// Job status values. Pending/Running/Compressing are non-terminal;
// Completed/Failed/Cancelled are terminal.
const (
	StatusPending     = "pending"
	StatusRunning     = "running"
	StatusCompressing = "compressing"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
)

// Job types.
const (
	JobTypeBackup  = "backup"
	JobTypeRestore = "restore"
	JobTypeCleanup = "cleanup"
)

// Restore modes.
const (
	RestoreModeOverwriteOriginal = "overwrite-original"
	RestoreModeCreateNew         = "create-new"
)

// Backup kinds.
const (
	BackupKindScheduled = "scheduled"
	BackupKindManual    = "manual"
	BackupKindUploaded  = "uploaded"
	BackupKindExternal  = "external"
)

// Connection test verdicts.
const (
	VerdictUntested = "untested"
	VerdictOK       = "ok"
	VerdictFailed   = "failed"
)

// NonTerminalStatuses lists every status a job may hold before reaching a
// terminal outcome.
var NonTerminalStatuses = []string{StatusPending, StatusRunning, StatusCompressing}

// IsTerminal reports whether status is one of the terminal job states.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Connection is a named target MySQL-compatible server (DatabaseConnection
// in spec terms).
type Connection struct {
	ID                string     `gorm:"primaryKey;size:36"`
	Name              string     `gorm:"column:name;size:253;not null;uniqueIndex"`
	Host              string     `gorm:"column:host;size:253;not null"`
	Port              int        `gorm:"column:port;not null"`
	Username          string     `gorm:"column:username;size:253;not null"`
	Credential        string     `gorm:"column:credential;type:text;not null"`
	DefaultDatabase   string     `gorm:"column:default_database;size:253"`
	TLSMode           string     `gorm:"column:tls_mode;size:16;not null;default:disabled"`
	TLSCACertPath     string     `gorm:"column:tls_ca_cert_path;size:1024"`
	TLSClientCertPath string     `gorm:"column:tls_client_cert_path;size:1024"`
	TLSClientKeyPath  string     `gorm:"column:tls_client_key_path;size:1024"`
	TestVerdict       string     `gorm:"column:test_verdict;size:16;not null;default:untested"`
	LastVerdictAt     *time.Time `gorm:"column:last_verdict_at"`
	CreatedAt         time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for Connection.
func (*Connection) TableName() string { return "connections" }

// Task is a recurring backup plan attached to a Connection.
type Task struct {
	ID                   string     `gorm:"primaryKey;size:36"`
	Name                 string     `gorm:"column:name;size:253;not null"`
	ConnectionID         string     `gorm:"column:connection_id;size:36;not null;index"`
	DatabaseName         string     `gorm:"column:database_name;size:253"`
	CronExpr             string     `gorm:"column:cron_expr;size:64;not null"`
	Compression          string     `gorm:"column:compression;size:16;not null;default:gzip"`
	RetentionDays        int        `gorm:"column:retention_days;not null;default:7"`
	NonTransactionalMode bool       `gorm:"column:non_transactional_mode;not null;default:false"`
	Enabled              bool       `gorm:"column:enabled;not null;index:idx_task_enabled_next,priority:1"`
	LastFireAt           *time.Time `gorm:"column:last_fire_at"`
	NextFireAt           *time.Time `gorm:"column:next_fire_at;index:idx_task_enabled_next,priority:2"`
	CreatedAt            time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for Task.
func (*Task) TableName() string { return "tasks" }

// Job is a single execution instance (backup, restore or cleanup).
type Job struct {
	ID            string     `gorm:"primaryKey;size:36"`
	Type          string     `gorm:"column:type;size:16;not null;index:idx_job_task_status,priority:1"`
	TaskID        *string    `gorm:"column:task_id;size:36;index:idx_job_task_status,priority:2"`
	Status        string     `gorm:"column:status;size:16;not null;index:idx_job_task_status,priority:3"`
	Progress      int        `gorm:"column:progress;not null;default:0"`
	UsedDatabase  string     `gorm:"column:used_database;size:512"`
	ErrorMessage  string     `gorm:"column:error_message;type:text"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime;index"`
	StartedAt     *time.Time `gorm:"column:started_at"`
	CompletedAt   *time.Time `gorm:"column:completed_at"`

	// Restore-only fields; zero-valued for backup/cleanup jobs.
	RestoreArtifactID *string `gorm:"column:restore_artifact_id;size:36"`
	RestoreMode       string  `gorm:"column:restore_mode;size:32"`
	RestoreNewDBName  string  `gorm:"column:restore_new_db_name;size:253"`
}

// TableName specifies the table name for Job.
func (*Job) TableName() string { return "jobs" }

// Artifact is a sealed on-disk backup archive.
type Artifact struct {
	ID           string    `gorm:"primaryKey;size:36"`
	ConnectionID *string   `gorm:"column:connection_id;size:36"`
	UsedDatabase string    `gorm:"column:used_database;size:512;not null"`
	TaskID       *string   `gorm:"column:task_id;size:36;index:idx_artifact_task_created,priority:1"`
	FilePath     string    `gorm:"column:file_path;size:1024;not null"`
	FileSize     int64     `gorm:"column:file_size;not null"`
	Compression  string    `gorm:"column:compression;size:16;not null"`
	BackupKind   string    `gorm:"column:backup_kind;size:16;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime;index:idx_artifact_task_created,priority:2"`
}

// TableName specifies the table name for Artifact.
func (*Artifact) TableName() string { return "artifacts" }

// TableProgressSnapshot is a persisted point-in-time view of a job's
// per-table progress, written for detail views; the authoritative live
// state lives in memory in the Progress Parser.
type TableProgressSnapshot struct {
	ID           int64      `gorm:"primaryKey;autoIncrement"`
	JobID        string     `gorm:"column:job_id;size:36;not null;uniqueIndex:idx_snapshot_job_table"`
	Name         string     `gorm:"column:name;size:253;not null;uniqueIndex:idx_snapshot_job_table"`
	Status       string     `gorm:"column:status;size:16;not null"`
	Percent      int        `gorm:"column:percent;not null;default:0"`
	StartedAt    *time.Time `gorm:"column:started_at"`
	CompletedAt  *time.Time `gorm:"column:completed_at"`
	ErrorMessage string     `gorm:"column:error_message;type:text"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for TableProgressSnapshot.
func (*TableProgressSnapshot) TableName() string { return "table_progress_snapshots" }
