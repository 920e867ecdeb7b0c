package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-dbbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-dbbackup/pkg/compression"
	"github.com/paulschiretz/pgl-dbbackup/pkg/cronjob"
	"github.com/paulschiretz/pgl-dbbackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-dbbackup/pkg/plog"
	"github.com/paulschiretz/pgl-dbbackup/pkg/util"
)

// ConfigFileName is the name of the configuration file kept in the backup directory.
const ConfigFileName = "pgl-dbbackup.config.json"

// DefaultConnectionsFile is looked up relative to the backup directory.
const DefaultConnectionsFile = "pgl-dbbackup.connections.yaml"

type ConnectionConfig struct {
	// Name selects the entry in the connections file.
	Name string `json:"name"`
	// File and EnvFile are resolved relative to the backup directory.
	File    string `json:"file"`
	EnvFile string `json:"envFile"`
}

type CompressionConfig struct {
	Enabled bool               `json:"enabled"`
	Format  compression.Format `json:"format"`
	Level   compression.Level  `json:"level"`
}

type DumpConfig struct {
	// Command overrides mysqldump or pg_dump.
	Command        string   `json:"command"`
	ExtraArgs      []string `json:"extraArgs"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
}

type RetentionConfig struct {
	// KeepNFiles is the number of newest files kept per stem name, -1 keeps all.
	KeepNFiles    int `json:"keepNFiles"`
	DeleteWorkers int `json:"deleteWorkers"`
}

type CronConfig struct {
	Time   string `json:"time"`
	Path   string `json:"path"`
	Prefix string `json:"prefix"`
	User   string `json:"user"`
}

type HooksConfig struct {
	// Note: omitempty is intentionally not used so that the hook fields
	// appear in the generated config file for better discoverability.
	// SECURITY: These commands are executed as provided. Ensure they are from a trusted source.
	PreBackup  []string `json:"preBackup"`
	PostBackup []string `json:"postBackup"`
	FailFast   bool     `json:"failFast"`
}

type RuntimeConfig struct {
	DryRun bool
}

type Config struct {
	Version     string            `json:"version"`
	Base        string            `json:"-"` // Never added to config file
	Runtime     RuntimeConfig     `json:"-"` // Never added to config file
	LogLevel    string            `json:"logLevel"`
	Connection  ConnectionConfig  `json:"connection"`
	Compression CompressionConfig `json:"compression"`
	Overwrite   bool              `json:"overwrite"`
	CreateDir   bool              `json:"createDir"`
	Retention   RetentionConfig   `json:"retention"`
	Dump        DumpConfig        `json:"dump"`
	Cron        CronConfig        `json:"cron"`
	Hooks       HooksConfig       `json:"hooks"`
	MetricsFile string            `json:"metricsFile"`
}

// NewDefault creates and returns a Config struct with sensible default values.
func NewDefault() Config {
	return Config{
		Version:  buildinfo.Version,
		Base:     "",     // Intentionally empty, always taken from the command line.
		LogLevel: "info", // Default log level.
		Connection: ConnectionConfig{
			Name: "default",
			File: DefaultConnectionsFile,
		},
		Compression: CompressionConfig{
			Enabled: false,
			Format:  compression.Gzip,
			Level:   compression.Default,
		},
		Overwrite: false,
		CreateDir: true,
		Retention: RetentionConfig{
			KeepNFiles:    -1, // Keep everything unless asked otherwise.
			DeleteWorkers: 4,
		},
		Dump: DumpConfig{
			ExtraArgs:      []string{},
			TimeoutSeconds: 6 * 60 * 60,
		},
		Cron: CronConfig{
			Time: "0 23 * * *",
			Path: cronjob.DefaultInstallDir,
			User: cronjob.DefaultUser,
		},
		Hooks: HooksConfig{
			PreBackup:  []string{},
			PostBackup: []string{},
		},
	}
}

// Load reads ConfigFileName from the base directory. A missing file yields the
// defaults. A file that fails to parse is an error.
func Load(base string) (Config, error) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return Config{}, fmt.Errorf("could not determine absolute path for load directory %s: %w", base, err)
	}

	configPath := filepath.Join(absBase, ConfigFileName)
	file, err := os.Open(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := NewDefault()
			cfg.Base = absBase
			return cfg, nil
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", configPath, err)
	}
	defer file.Close()

	plog.Info("Loading configuration", "path", configPath)
	// Start with default values so fields missing from the file keep them.
	config := NewDefault()
	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&config); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}
	config.Base = absBase
	config.Version = buildinfo.Version
	return config, nil
}

// Generate creates or overwrites the config file in c.Base.
func Generate(c Config) error {
	if c.Base == "" {
		return fmt.Errorf("cannot generate config: base directory is empty")
	}
	configPath := filepath.Join(c.Base, ConfigFileName)
	jsonData, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}
	if err := os.WriteFile(configPath, append(jsonData, '\n'), util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	plog.Info("Successfully saved config file", "path", configPath)
	return nil
}

// Validate checks the configuration for logical errors and normalizes paths.
func (c *Config) Validate() error {
	if c.Base == "" {
		return fmt.Errorf("backup path cannot be empty")
	}
	base, err := util.ExpandPath(c.Base)
	if err != nil {
		return fmt.Errorf("could not expand backup path: %w", err)
	}
	if c.Base, err = filepath.Abs(base); err != nil {
		return fmt.Errorf("could not determine absolute backup path for %s: %w", base, err)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "notice", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logLevel must be one of 'debug', 'notice', 'info', 'warn', 'error', got %q", c.LogLevel)
	}

	if strings.TrimSpace(c.Connection.Name) == "" {
		return fmt.Errorf("connection.name cannot be empty")
	}
	if strings.TrimSpace(c.Connection.File) == "" {
		return fmt.Errorf("connection.file cannot be empty")
	}

	if _, err := compression.ParseFormat(string(c.Compression.Format)); err != nil {
		return fmt.Errorf("compression.format: %w", err)
	}
	if _, err := compression.ParseLevel(string(c.Compression.Level)); err != nil {
		return fmt.Errorf("compression.level: %w", err)
	}

	if c.Retention.KeepNFiles < -1 {
		return fmt.Errorf("retention.keepNFiles must be -1 (keep all) or >= 0, got %d", c.Retention.KeepNFiles)
	}
	if c.Retention.DeleteWorkers < 1 {
		return fmt.Errorf("retention.deleteWorkers must be at least 1")
	}
	if c.Dump.TimeoutSeconds < 0 {
		return fmt.Errorf("dump.timeoutSeconds cannot be negative")
	}

	if err := cronjob.Validate(c.Cron.Time); err != nil {
		return fmt.Errorf("cron.time: %w", err)
	}
	if c.Cron.Path == "" {
		return fmt.Errorf("cron.path cannot be empty")
	}
	if strings.ContainsAny(c.Cron.User, " \t") {
		return fmt.Errorf("cron.user cannot contain whitespace")
	}
	return nil
}

// resolve makes p absolute relative to the backup directory.
func (c *Config) resolve(p string) string {
	if p == "" {
		return ""
	}
	if expanded, err := util.ExpandPath(p); err == nil {
		p = expanded
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.Base, p)
}

// ConnectionsFilePath returns the absolute connections file path.
func (c *Config) ConnectionsFilePath() string {
	return c.resolve(c.Connection.File)
}

// EnvFilePath returns the absolute env file path, or "" if none is configured.
func (c *Config) EnvFilePath() string {
	return c.resolve(c.Connection.EnvFile)
}

// MetricsFilePath returns the absolute metrics file path, or "" if disabled.
func (c *Config) MetricsFilePath() string {
	return c.resolve(c.MetricsFile)
}

// LogSummary prints a user-friendly summary of the configuration.
func (c *Config) LogSummary() {
	logArgs := []interface{}{
		"base", c.Base,
		"log_level", c.LogLevel,
		"dry_run", c.Runtime.DryRun,
		"connection", c.Connection.Name,
		"connections_file", c.ConnectionsFilePath(),
		"overwrite", c.Overwrite,
		"keep_n_files", c.Retention.KeepNFiles,
		"delete_workers", c.Retention.DeleteWorkers,
		"dump_timeout_seconds", c.Dump.TimeoutSeconds,
	}
	if c.Connection.EnvFile != "" {
		logArgs = append(logArgs, "env_file", c.EnvFilePath())
	}
	if c.Compression.Enabled {
		logArgs = append(logArgs, "compression", fmt.Sprintf("enabled (f:%s l:%s)", c.Compression.Format, c.Compression.Level))
	}
	if c.Dump.Command != "" {
		logArgs = append(logArgs, "dump_command", c.Dump.Command)
	}
	if len(c.Dump.ExtraArgs) > 0 {
		logArgs = append(logArgs, "dump_args", strings.Join(c.Dump.ExtraArgs, " "))
	}
	if c.MetricsFile != "" {
		logArgs = append(logArgs, "metrics_file", c.MetricsFilePath())
	}
	if len(c.Hooks.PreBackup) > 0 {
		logArgs = append(logArgs, "pre_backup_hooks", strings.Join(c.Hooks.PreBackup, "; "))
	}
	if len(c.Hooks.PostBackup) > 0 {
		logArgs = append(logArgs, "post_backup_hooks", strings.Join(c.Hooks.PostBackup, "; "))
	}
	plog.Info("Configuration loaded", logArgs...)
}

// MergeConfigWithFlags overlays the configuration values from flags on top of a base
// configuration. It iterates over the setFlags map, which contains only the flags
// explicitly provided by the user on the command line.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base
	// Slices are shared with base otherwise.
	merged.Dump.ExtraArgs = append([]string(nil), base.Dump.ExtraArgs...)
	merged.Hooks.PreBackup = append([]string(nil), base.Hooks.PreBackup...)
	merged.Hooks.PostBackup = append([]string(nil), base.Hooks.PostBackup...)

	for name, value := range setFlags {
		switch name {
		case "path":
			merged.Base = value.(string)
		case "log-level":
			merged.LogLevel = value.(string)
		case "dry-run":
			merged.Runtime.DryRun = value.(bool)
		case "metrics-file":
			merged.MetricsFile = value.(string)
		case "compress":
			merged.Compression.Enabled = value.(bool)
		case "compression-format":
			merged.Compression.Format = compression.Format(value.(string))
		case "compression-level":
			merged.Compression.Level = compression.Level(value.(string))
		case "overwrite":
			merged.Overwrite = value.(bool)
		case "create-dir":
			merged.CreateDir = value.(bool)
		case "keepnfiles":
			merged.Retention.KeepNFiles = value.(int)
		case "delete-workers":
			merged.Retention.DeleteWorkers = value.(int)
		case "connection":
			merged.Connection.Name = value.(string)
		case "connections-file":
			merged.Connection.File = value.(string)
		case "env-file":
			merged.Connection.EnvFile = value.(string)
		case "dump-command":
			merged.Dump.Command = value.(string)
		case "dump-args":
			merged.Dump.ExtraArgs = value.([]string)
		case "dump-timeout":
			merged.Dump.TimeoutSeconds = value.(int)
		case "fail-fast":
			merged.Hooks.FailFast = value.(bool)
		case "pre-backup-hooks":
			merged.Hooks.PreBackup = value.([]string)
		case "post-backup-hooks":
			merged.Hooks.PostBackup = value.([]string)
		case "crontime":
			merged.Cron.Time = value.(string)
		case "cronpath":
			switch command {
			case flagparse.Backup, flagparse.Init:
				merged.Cron.Path = value.(string)
			default:
			}
		case "cronprefix":
			merged.Cron.Prefix = value.(string)
		case "cronuser":
			merged.Cron.User = value.(string)
		case "stemname", "install", "cronperiod", "at", "next", "force", "default", flagparse.ReplayKey:
			// Per-invocation values, read by the command itself.
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}
	return merged
}
