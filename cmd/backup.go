package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-dbbackup/pkg/backupmetrics"
	"github.com/paulschiretz/pgl-dbbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-dbbackup/pkg/compression"
	"github.com/paulschiretz/pgl-dbbackup/pkg/config"
	"github.com/paulschiretz/pgl-dbbackup/pkg/dbbackup"
	"github.com/paulschiretz/pgl-dbbackup/pkg/dbconn"
	"github.com/paulschiretz/pgl-dbbackup/pkg/dbdump"
	"github.com/paulschiretz/pgl-dbbackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-dbbackup/pkg/hook"
	"github.com/paulschiretz/pgl-dbbackup/pkg/lockfile"
	"github.com/paulschiretz/pgl-dbbackup/pkg/plog"
	"github.com/paulschiretz/pgl-dbbackup/pkg/retention"
	"github.com/paulschiretz/pgl-dbbackup/pkg/util"
)

// commandContext starts dump and hook processes. Swapped in tests.
var commandContext = exec.CommandContext

// now is the clock used for the dated file name. Swapped in tests.
var now = time.Now

// RunBackup handles the backup command. With --install it writes a cron job
// for the same backup instead of running it.
func RunBackup(ctx context.Context, flagMap map[string]interface{}) error {
	stem, err := stemName(flagMap)
	if err != nil {
		return err
	}
	runConfig, err := loadRunConfig(flagparse.Backup, flagMap)
	if err != nil {
		return err
	}

	if install, _ := flagMap["install"].(bool); install {
		return runInstall(runConfig, stem, flagMap)
	}

	params, err := resolveConnection(runConfig)
	if err != nil {
		return err
	}

	lock, err := acquireStemLock(ctx, runConfig, stem)
	if err != nil {
		return err
	}
	if lock != nil {
		defer lock.Release()
	}

	pruneMetrics := &retention.PruneMetrics{}
	runner := dbbackup.NewRunner(
		dbdump.NewDumper(commandContext),
		retention.NewPruner(runConfig.Retention.DeleteWorkers, runConfig.Runtime.DryRun, pruneMetrics),
		hook.NewExecutor(commandContext),
	)

	fullPath := dbbackup.DatedPath(runConfig.Base, stem, now())
	report, err := runner.Run(ctx, fullPath, newBackupPlan(runConfig, stem, params))
	pruneMetrics.LogSummary("Prune summary")
	writeMetrics(runConfig, stem, params, report, err == nil)
	if err != nil {
		return err // The error will be logged with full details by main()
	}
	plog.Info(buildinfo.Name+" finished successfully.",
		"file", report.FilePath,
		"run_id", report.RunID,
		"duration", report.Duration.Round(time.Millisecond))
	return nil
}

// stemName returns the validated stem name argument.
func stemName(flagMap map[string]interface{}) (string, error) {
	stem, _ := flagMap["stemname"].(string)
	stem = strings.TrimSpace(stem)
	if stem == "" {
		return "", fmt.Errorf("%w: a stem name is required", dbbackup.ErrConfig)
	}
	if strings.ContainsAny(stem, `/\`) || stem == "." || stem == ".." {
		return "", fmt.Errorf("%w: stem name %q must not contain path separators", dbbackup.ErrConfig, stem)
	}
	return stem, nil
}

// loadRunConfig loads the config file from the backup path, applies the
// flags on top and validates the result.
func loadRunConfig(command flagparse.Command, flagMap map[string]interface{}) (config.Config, error) {
	path, ok := flagMap["path"].(string)
	if !ok || path == "" {
		return config.Config{}, fmt.Errorf("%w: a backup path is required for the %s command", dbbackup.ErrConfig, command)
	}
	path, err := util.ExpandPath(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("%w: could not expand backup path: %w", dbbackup.ErrConfig, err)
	}

	loadedConfig, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("%w: failed to load configuration: %w", dbbackup.ErrConfig, err)
	}

	runConfig := config.MergeConfigWithFlags(command, loadedConfig, flagMap)
	runConfig.Base = path
	if err := runConfig.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("%w: %w", dbbackup.ErrConfig, err)
	}

	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))
	runConfig.LogSummary()
	return runConfig, nil
}

func resolveConnection(cfg config.Config) (dbconn.Params, error) {
	registry, err := dbconn.Load(cfg.ConnectionsFilePath(), cfg.EnvFilePath())
	if err != nil {
		return dbconn.Params{}, fmt.Errorf("%w: %w", dbbackup.ErrConfig, err)
	}
	params, err := registry.Resolve(cfg.Connection.Name)
	if err != nil {
		return dbconn.Params{}, fmt.Errorf("%w: %w", dbbackup.ErrConfig, err)
	}
	return params, nil
}

// acquireStemLock serializes runs for the same stem name. The backup directory
// is created first when the configuration asks for it, so the lock has a home.
func acquireStemLock(ctx context.Context, cfg config.Config, stem string) (*lockfile.Lock, error) {
	if cfg.Runtime.DryRun {
		return nil, nil
	}
	info, err := os.Stat(cfg.Base)
	switch {
	case err == nil && !info.IsDir():
		return nil, fmt.Errorf("%w: backup path %s is not a directory", dbbackup.ErrConfig, cfg.Base)
	case errors.Is(err, os.ErrNotExist) && cfg.CreateDir:
		if err := os.MkdirAll(cfg.Base, util.OpenDirPerms); err != nil {
			return nil, fmt.Errorf("%w: failed to create backup directory %s: %w", dbbackup.ErrConfig, cfg.Base, err)
		}
		plog.Notice("MKDIR", "path", cfg.Base)
	case err != nil:
		// The runner reports the missing directory.
		return nil, nil
	}

	appID := fmt.Sprintf("%s-backup:%s", buildinfo.ExecName, stem)
	lock, err := lockfile.AcquireFile(ctx, filepath.Join(cfg.Base, lockfile.NameFor(stem)), appID)
	if err != nil {
		return nil, fmt.Errorf("%w: another backup of %s is running: %w", dbbackup.ErrConflict, stem, err)
	}
	return lock, nil
}

func newBackupPlan(cfg config.Config, stem string, params dbconn.Params) *dbbackup.Plan {
	format, _ := compression.ParseFormat(string(cfg.Compression.Format))
	level, _ := compression.ParseLevel(string(cfg.Compression.Level))

	hookPlan := func(commands []string) hook.Plan {
		return hook.Plan{
			Enabled:  len(commands) > 0,
			Commands: commands,
			DryRun:   cfg.Runtime.DryRun,
			FailFast: cfg.Hooks.FailFast,
		}
	}

	return &dbbackup.Plan{
		Connection:      params,
		StemName:        stem,
		Compress:        cfg.Compression.Enabled,
		Compression:     compression.Plan{Format: format, Level: level},
		Overwrite:       cfg.Overwrite,
		KeepNFiles:      cfg.Retention.KeepNFiles,
		CreateIfMissing: cfg.CreateDir,
		DumpCommand:     cfg.Dump.Command,
		DumpArgs:        cfg.Dump.ExtraArgs,
		DumpTimeout:     time.Duration(cfg.Dump.TimeoutSeconds) * time.Second,
		PreHooks:        hookPlan(cfg.Hooks.PreBackup),
		PostHooks:       hookPlan(cfg.Hooks.PostBackup),
		DryRun:          cfg.Runtime.DryRun,
	}
}

// writeMetrics exports the run for node_exporter. A failure here never fails the backup.
func writeMetrics(cfg config.Config, stem string, params dbconn.Params, report *dbbackup.Report, success bool) {
	path := cfg.MetricsFilePath()
	if path == "" || cfg.Runtime.DryRun || report == nil {
		return
	}
	run := backupmetrics.Run{
		Stem:          stem,
		Connection:    params.Name,
		Success:       success,
		Started:       report.Started,
		Duration:      report.Duration,
		DumpBytes:     report.DumpBytes,
		FileBytes:     report.FileBytes,
		FilesPruned:   report.FilesPruned,
		PruneFailures: report.PruneFailed,
	}
	if err := backupmetrics.WriteTextfile(path, run); err != nil {
		plog.Warn("Failed to write metrics file", "path", path, "error", err)
		return
	}
	plog.Debug("Wrote metrics file", "path", path)
}
