// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package preflight

import (
	"os"
	"testing"
)

func TestClassifyEngine(t *testing.T) {
	cases := []struct {
		engine string
		want   EngineClass
	}{
		{"InnoDB", ClassTransactional},
		{"innodb", ClassTransactional},
		{"MyISAM", ClassNonTransactional},
		{"MEMORY", ClassNonTransactional},
		{"CSV", ClassNonTransactional},
		{"ARCHIVE", ClassNonTransactional},
		{"FEDERATED", ClassNonTransactional},
		{"MERGE", ClassNonTransactional},
		{"BLACKHOLE", ClassNonTransactional},
		{"", ClassUnknown},
		{"   ", ClassUnknown},
		{"NDB", ClassTransactional},
	}
	for _, c := range cases {
		if got := ClassifyEngine(c.engine); got != c.want {
			t.Errorf("ClassifyEngine(%q) = %s, want %s", c.engine, got, c.want)
		}
	}
}

func TestIgnoreEngines_ExcludesNonTransactional(t *testing.T) {
	tables := []TableInfo{
		{Name: "orders", Engine: "InnoDB", Class: ClassTransactional},
		{Name: "sessions", Engine: "MEMORY", Class: ClassNonTransactional},
		{Name: "audit_log", Engine: "ARCHIVE", Class: ClassNonTransactional},
		{Name: "cache", Engine: "MEMORY", Class: ClassNonTransactional},
	}

	got := IgnoreEngines(tables, false)
	if got != "MEMORY,ARCHIVE" {
		t.Errorf("expected deduplicated engine list in first-seen order, got %q", got)
	}
}

func TestIgnoreEngines_EmptyWhenNonTransactionalModeEnabled(t *testing.T) {
	tables := []TableInfo{
		{Name: "sessions", Engine: "MEMORY", Class: ClassNonTransactional},
	}
	if got := IgnoreEngines(tables, true); got != "" {
		t.Errorf("expected empty ignore-engines list when non_transactional_mode is true, got %q", got)
	}
}

func TestIgnoreEngines_EmptyWhenNoNonTransactionalTables(t *testing.T) {
	tables := []TableInfo{
		{Name: "orders", Engine: "InnoDB", Class: ClassTransactional},
	}
	if got := IgnoreEngines(tables, false); got != "" {
		t.Errorf("expected empty ignore-engines list, got %q", got)
	}
}

func TestSkippedTables(t *testing.T) {
	tables := []TableInfo{
		{Name: "orders", Engine: "InnoDB", Class: ClassTransactional},
		{Name: "sessions", Engine: "MEMORY", Class: ClassNonTransactional},
	}

	skipped := SkippedTables(tables, false)
	if len(skipped) != 1 || skipped[0].Name != "sessions" {
		t.Errorf("expected only sessions skipped, got %+v", skipped)
	}

	if got := SkippedTables(tables, true); got != nil {
		t.Errorf("expected no skipped tables in non_transactional_mode, got %+v", got)
	}
}

func TestTarget_DSN(t *testing.T) {
	tgt := Target{Host: "db.internal", Port: 3306, Username: "backup_agent", Password: "s3cr3t", Database: "app"}
	want := "backup_agent:s3cr3t@tcp(db.internal:3306)/app?parseTime=true&multiStatements=false"
	if got := tgt.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}

// TestProber_Live is a placeholder for a live check against a reachable
// MySQL-compatible server: it skips when BACKUPD_TEST_MYSQL_DSN is unset,
// and it also skips when the variable is set, since the live preflight path
// is exercised manually; it does not dial the server.
func TestProber_Live(t *testing.T) {
	dsn := os.Getenv("BACKUPD_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("BACKUPD_TEST_MYSQL_DSN not set, skipping live preflight test")
	}
	t.Skip("live MySQL preflight exercised manually; DSN parsing covered by TestTarget_DSN")
}
