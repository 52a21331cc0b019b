// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package preflight probes a target MySQL-compatible server before a dump
// or restore begins: per-table engine classification and, for create-new
// restores, database-creation capability. It talks to the target server
// directly over database/sql with the go-sql-driver/mysql driver, kept
// deliberately separate from the GORM-backed Persistence Gateway, which
// only ever talks to the engine's own state store — grounded on
// polarfoxDev/marina's runner.go, which likewise reaches for a raw driver
// connection when it needs to inspect the server it is about to dump.
package preflight

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/dbvault/backupd/internal/engineerr"
	"github.com/dbvault/backupd/internal/pki"
)

// EngineClass is the classification assigned to a table's storage engine.
type EngineClass string

const (
	ClassTransactional    EngineClass = "transactional"
	ClassNonTransactional EngineClass = "non_transactional"
	ClassUnknown          EngineClass = "unknown"
)

// nonTransactionalEngines lists every engine name treated as
// non-transactional per spec §4.4.
var nonTransactionalEngines = map[string]bool{
	"MYISAM":    true,
	"MEMORY":    true,
	"CSV":       true,
	"ARCHIVE":   true,
	"FEDERATED": true,
	"MERGE":     true,
	"BLACKHOLE": true,
}

// ClassifyEngine maps a raw SHOW TABLE STATUS engine name to an EngineClass.
// An empty engine name (NULL in the driver, e.g. for a VIEW) is classified
// Unknown and treated as transactional by the caller, with a warning logged
// upstream — this function only classifies, it does not log.
func ClassifyEngine(engine string) EngineClass {
	trimmed := strings.ToUpper(strings.TrimSpace(engine))
	if trimmed == "" {
		return ClassUnknown
	}
	if nonTransactionalEngines[trimmed] {
		return ClassNonTransactional
	}
	return ClassTransactional
}

// TableInfo describes one table discovered during preflight.
type TableInfo struct {
	Name      string
	Engine    string
	Class     EngineClass
	RowsEst   int64
}

// Target identifies the server and database preflight runs against.
// TLSConfigName, if set, must have already been registered with
// go-sql-driver/mysql via RegisterTLS (e.g. keyed on the owning
// Connection's id) before the Target is dialed.
type Target struct {
	Host          string
	Port          int
	Username      string
	Password      string
	Database      string
	TLSConfigName string
}

// DSN builds a go-sql-driver/mysql data source name for Target.
func (t Target) DSN() string {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=false",
		t.Username, t.Password, t.Host, t.Port, t.Database)
	if t.TLSConfigName != "" {
		dsn += "&tls=" + url.QueryEscape(t.TLSConfigName)
	}
	return dsn
}

// RegisterTLS builds a *tls.Config from params via internal/pki and
// registers it with go-sql-driver/mysql under name, so a Target.DSN
// referencing tls=name dials with that configuration. A disabled mode
// registers nothing and returns ("", nil) — callers should leave
// Target.TLSConfigName empty in that case.
func RegisterTLS(name string, params pki.Params) (string, error) {
	if params.Mode == pki.ModeDisabled || params.Mode == "" {
		return "", nil
	}
	cfg, err := pki.NewClientTLSConfig(params)
	if err != nil {
		return "", err
	}
	if err := mysqldriver.RegisterTLSConfig(name, cfg); err != nil {
		return "", fmt.Errorf("registering tls config %q: %w", name, err)
	}
	return name, nil
}

// Prober runs preflight queries against a Target over database/sql.
type Prober struct {
	open func(dsn string) (*sql.DB, error)
}

// NewProber constructs a Prober using the real mysql driver.
func NewProber() *Prober {
	return &Prober{open: func(dsn string) (*sql.DB, error) { return sql.Open("mysql", dsn) }}
}

// newProberWithOpener is a test seam allowing a fake *sql.DB opener (e.g.
// sqlmock or an in-memory stand-in) without touching the exported API.
func newProberWithOpener(open func(dsn string) (*sql.DB, error)) *Prober {
	return &Prober{open: open}
}

// Tables queries the target database for every table's name, engine and
// approximate row count, classifying each per spec §4.4. It fails the job
// immediately (before any child process starts) on connection refusal,
// authentication failure, or a missing database.
func (p *Prober) Tables(ctx context.Context, tgt Target) ([]TableInfo, error) {
	db, err := p.open(tgt.DSN())
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindConnectivityFailure, "opening preflight connection", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return nil, engineerr.Wrap(engineerr.KindConnectivityFailure, "pinging target server", err)
	}

	rows, err := db.QueryContext(ctx, "SHOW TABLE STATUS FROM `"+tgt.Database+"`")
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindPreflightFailure, "querying table status", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindPreflightFailure, "reading table status columns", err)
	}

	var infos []TableInfo
	for rows.Next() {
		scanned := make([]interface{}, len(cols))
		holders := make([]sql.NullString, len(cols))
		for i := range holders {
			scanned[i] = &holders[i]
		}
		if err := rows.Scan(scanned...); err != nil {
			return nil, engineerr.Wrap(engineerr.KindPreflightFailure, "scanning table status row", err)
		}

		var name, engine string
		var rowsEst int64
		for i, col := range cols {
			switch strings.ToLower(col) {
			case "name":
				name = holders[i].String
			case "engine":
				engine = holders[i].String
			case "rows":
				fmt.Sscanf(holders[i].String, "%d", &rowsEst)
			}
		}
		if name == "" {
			continue
		}
		infos = append(infos, TableInfo{
			Name:    name,
			Engine:  engine,
			Class:   ClassifyEngine(engine),
			RowsEst: rowsEst,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, engineerr.Wrap(engineerr.KindPreflightFailure, "iterating table status rows", err)
	}
	if len(infos) == 0 {
		return nil, engineerr.New(engineerr.KindPreflightFailure, "database has no tables")
	}
	return infos, nil
}

// IgnoreEngines returns the comma-separated engine names to pass to the
// dumper's ignore-engines flag, or "" if every table should be included
// (non_transactional_mode true, or no non-transactional tables present).
func IgnoreEngines(tables []TableInfo, nonTransactionalMode bool) string {
	if nonTransactionalMode {
		return ""
	}
	seen := map[string]bool{}
	var names []string
	for _, t := range tables {
		if t.Class != ClassNonTransactional {
			continue
		}
		upper := strings.ToUpper(strings.TrimSpace(t.Engine))
		if seen[upper] {
			continue
		}
		seen[upper] = true
		names = append(names, upper)
	}
	return strings.Join(names, ",")
}

// SkippedTables returns the subset of tables excluded from the dump because
// they are non-transactional and non_transactional_mode is false.
func SkippedTables(tables []TableInfo, nonTransactionalMode bool) []TableInfo {
	if nonTransactionalMode {
		return nil
	}
	var skipped []TableInfo
	for _, t := range tables {
		if t.Class == ClassNonTransactional {
			skipped = append(skipped, t)
		}
	}
	return skipped
}

// CanCreateDatabase probes whether tgt's credential has database-creation
// privilege, required before a create-new restore spawns the loader
// (spec §4.4, §4.9).
func (p *Prober) CanCreateDatabase(ctx context.Context, tgt Target) (bool, error) {
	db, err := p.open(tgt.DSN())
	if err != nil {
		return false, engineerr.Wrap(engineerr.KindConnectivityFailure, "opening preflight connection", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, "SHOW GRANTS")
	if err != nil {
		return false, engineerr.Wrap(engineerr.KindPreflightFailure, "querying grants", err)
	}
	defer rows.Close()

	for rows.Next() {
		var grant string
		if err := rows.Scan(&grant); err != nil {
			return false, engineerr.Wrap(engineerr.KindPreflightFailure, "scanning grant row", err)
		}
		upper := strings.ToUpper(grant)
		if strings.Contains(upper, "ALL PRIVILEGES") || strings.Contains(upper, "CREATE") {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, engineerr.Wrap(engineerr.KindPreflightFailure, "iterating grant rows", err)
	}
	return false, nil
}
