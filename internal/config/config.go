// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config loads and validates the backup controller's configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for the backup controller process.
type Config struct {
	RootDirectory           string `yaml:"root_directory" mapstructure:"root_directory"`
	BackupDirectoryOverride string `yaml:"backup_directory_override" mapstructure:"backup_directory_override"`
	LogDirectoryOverride    string `yaml:"log_directory_override" mapstructure:"log_directory_override"`

	SchedulerTickSeconds int `yaml:"scheduler_tick_seconds" mapstructure:"scheduler_tick_seconds"`
	RetentionSweepHours  int `yaml:"retention_sweep_hours" mapstructure:"retention_sweep_hours"`
	JobLogRetentionDays  int `yaml:"job_log_retention_days" mapstructure:"job_log_retention_days"`
	CancelGraceSeconds   int `yaml:"cancel_grace_seconds" mapstructure:"cancel_grace_seconds"`

	ArchiveStreamBufferBytes    string `yaml:"archive_stream_buffer_bytes" mapstructure:"archive_stream_buffer_bytes"`
	archiveStreamBufferBytesRaw int64

	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`

	DumperPath string `yaml:"dumper_path" mapstructure:"dumper_path"`
	LoaderPath string `yaml:"loader_path" mapstructure:"loader_path"`
}

// DatabaseConfig selects and configures the Persistence Gateway's backing store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // one of: sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`    // ignored for sqlite
}

// LoggingConfig configures the ambient logging stack (internal/logging).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Load reads and validates the YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFlags reads the YAML configuration file at path, then layers CLI
// flag and environment variable overrides on top using viper, matching the
// flag/config binding idiom used across the example pack (pflag bound into
// viper, viper values taking precedence over the file). Any flag present in
// flags and explicitly set by the caller overrides the corresponding file
// value before validation runs.
func LoadWithFlags(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BACKUPD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("binding flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.RootDirectory == "" {
		return fmt.Errorf("root_directory is required")
	}

	if c.SchedulerTickSeconds <= 0 {
		c.SchedulerTickSeconds = 60
	}
	if c.SchedulerTickSeconds < 5 {
		return fmt.Errorf("scheduler_tick_seconds must be at least 5, got %d", c.SchedulerTickSeconds)
	}

	if c.RetentionSweepHours <= 0 {
		c.RetentionSweepHours = 6
	}
	if c.JobLogRetentionDays <= 0 {
		c.JobLogRetentionDays = 14
	}
	if c.CancelGraceSeconds <= 0 {
		c.CancelGraceSeconds = 10
	}

	if c.ArchiveStreamBufferBytes == "" {
		c.ArchiveStreamBufferBytes = "256kb"
	}
	raw, err := ParseByteSize(c.ArchiveStreamBufferBytes)
	if err != nil {
		return fmt.Errorf("archive_stream_buffer_bytes: %w", err)
	}
	c.archiveStreamBufferBytesRaw = raw

	switch c.Database.Driver {
	case "":
		c.Database.Driver = "sqlite"
	case "sqlite", "mysql", "postgres":
		// ok
	default:
		return fmt.Errorf("database.driver must be one of sqlite, mysql, postgres, got %q", c.Database.Driver)
	}
	if c.Database.Driver != "sqlite" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.DumperPath == "" {
		c.DumperPath = "dumper"
	}
	if c.LoaderPath == "" {
		c.LoaderPath = "loader"
	}

	return nil
}

// ArchiveStreamBufferBytesRaw returns the parsed archive_stream_buffer_bytes value in bytes.
func (c *Config) ArchiveStreamBufferBytesRaw() int64 {
	return c.archiveStreamBufferBytesRaw
}

// BackupDirectory returns the effective backup root, honoring the override.
func (c *Config) BackupDirectory() string {
	if c.BackupDirectoryOverride != "" {
		return c.BackupDirectoryOverride
	}
	return filepath.Join(c.RootDirectory, "backups")
}

// LogDirectory returns the effective job-log root, honoring the override.
func (c *Config) LogDirectory() string {
	if c.LogDirectoryOverride != "" {
		return c.LogDirectoryOverride
	}
	return filepath.Join(c.RootDirectory, "logs")
}

// StateDBPath returns the default embedded-database file path.
func (c *Config) StateDBPath() string {
	return filepath.Join(c.RootDirectory, "db", "state.db")
}

// SchedulerTick returns SchedulerTickSeconds as a time.Duration.
func (c *Config) SchedulerTick() time.Duration {
	return time.Duration(c.SchedulerTickSeconds) * time.Second
}

// RetentionSweepInterval returns RetentionSweepHours as a time.Duration.
func (c *Config) RetentionSweepInterval() time.Duration {
	return time.Duration(c.RetentionSweepHours) * time.Hour
}

// JobLogRetention returns JobLogRetentionDays as a time.Duration.
func (c *Config) JobLogRetention() time.Duration {
	return time.Duration(c.JobLogRetentionDays) * 24 * time.Hour
}

// CancelGrace returns CancelGraceSeconds as a time.Duration.
func (c *Config) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceSeconds) * time.Second
}

// ParseByteSize converts human-readable strings like "256mb", "1gb" to bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	// Ordered longest-suffix-first so "mb" isn't matched as "b".
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
