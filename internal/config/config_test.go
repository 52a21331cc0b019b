// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestLoad_MinimalDefaults(t *testing.T) {
	path := writeConfig(t, `root_directory: /var/lib/backupd`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.SchedulerTickSeconds != 60 {
		t.Errorf("expected default scheduler_tick_seconds 60, got %d", cfg.SchedulerTickSeconds)
	}
	if cfg.RetentionSweepHours != 6 {
		t.Errorf("expected default retention_sweep_hours 6, got %d", cfg.RetentionSweepHours)
	}
	if cfg.JobLogRetentionDays != 14 {
		t.Errorf("expected default job_log_retention_days 14, got %d", cfg.JobLogRetentionDays)
	}
	if cfg.CancelGraceSeconds != 10 {
		t.Errorf("expected default cancel_grace_seconds 10, got %d", cfg.CancelGraceSeconds)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("expected default database.driver sqlite, got %q", cfg.Database.Driver)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("expected default logging info/json, got %q/%q", cfg.Logging.Level, cfg.Logging.Format)
	}
	if cfg.BackupDirectory() != filepath.Join("/var/lib/backupd", "backups") {
		t.Errorf("unexpected backup directory: %s", cfg.BackupDirectory())
	}
}

func TestLoad_MissingRootDirectory(t *testing.T) {
	path := writeConfig(t, `logging:
  level: debug`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing root_directory")
	}
}

func TestLoad_RejectsLowTickSeconds(t *testing.T) {
	path := writeConfig(t, `root_directory: /data
scheduler_tick_seconds: 2`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for scheduler_tick_seconds below minimum")
	}
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	path := writeConfig(t, `root_directory: /data
database:
  driver: oracle`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unsupported database driver")
	}
}

func TestLoad_RequiresDSNForExternalDriver(t *testing.T) {
	path := writeConfig(t, `root_directory: /data
database:
  driver: mysql`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing dsn with mysql driver")
	}
}

func TestLoad_Overrides(t *testing.T) {
	path := writeConfig(t, `root_directory: /data
backup_directory_override: /mnt/backups
log_directory_override: /mnt/logs`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BackupDirectory() != "/mnt/backups" {
		t.Errorf("expected override backup dir, got %s", cfg.BackupDirectory())
	}
	if cfg.LogDirectory() != "/mnt/logs" {
		t.Errorf("expected override log dir, got %s", cfg.LogDirectory())
	}
}

func TestParseByteSize(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"256kb", 256 * 1024, false},
		{"1mb", 1024 * 1024, false},
		{"1gb", 1024 * 1024 * 1024, false},
		{"128", 128, false},
		{"", 0, true},
		{"nonsense", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseByteSize(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseByteSize(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseByteSize(%q): unexpected error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
