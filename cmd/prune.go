package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-dbbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-dbbackup/pkg/dbbackup"
	"github.com/paulschiretz/pgl-dbbackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-dbbackup/pkg/hints"
	"github.com/paulschiretz/pgl-dbbackup/pkg/lockfile"
	"github.com/paulschiretz/pgl-dbbackup/pkg/plog"
	"github.com/paulschiretz/pgl-dbbackup/pkg/retention"
)

// RunPrune handles the logic for the prune command.
func RunPrune(ctx context.Context, flagMap map[string]interface{}) error {
	stem, err := stemName(flagMap)
	if err != nil {
		return err
	}
	runConfig, err := loadRunConfig(flagparse.Prune, flagMap)
	if err != nil {
		return err
	}

	// NOTE: Base needs to exist for a prune run
	if info, err := os.Stat(runConfig.Base); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: backup path '%s' does not exist or is not a directory", dbbackup.ErrConfig, runConfig.Base)
	}

	keep := runConfig.Retention.KeepNFiles
	if keep == retention.Unlimited {
		plog.Info("Nothing to prune", "reason", retention.ErrUnlimited)
		return nil
	}

	pruneMetrics := &retention.PruneMetrics{}
	pruner := retention.NewPruner(runConfig.Retention.DeleteWorkers, runConfig.Runtime.DryRun, pruneMetrics)
	prefix := stem + "_"

	// Check for force flag to bypass confirmation
	force, _ := flagMap["force"].(bool)
	if !runConfig.Runtime.DryRun && !force {
		files, err := pruner.List(ctx, runConfig.Base, prefix)
		if err != nil {
			return err
		}
		if len(files) <= keep {
			plog.Info("Nothing to prune", "found", len(files), "keep", keep)
			return nil
		}
		fmt.Printf("This operation will permanently delete %d of %d backup files for %q in %s, keeping the newest %d.\n",
			len(files)-keep, len(files), stem, runConfig.Base, keep)
		if !PromptForConfirmation("Are you sure you want to continue?", false) {
			plog.Info(buildinfo.Name + " prune operation canceled.")
			return nil
		}
	}

	if !runConfig.Runtime.DryRun {
		appID := fmt.Sprintf("%s-prune:%s", buildinfo.ExecName, stem)
		lock, err := lockfile.AcquireFile(ctx, filepath.Join(runConfig.Base, lockfile.NameFor(stem)), appID)
		if err != nil {
			return fmt.Errorf("%w: a backup of %s is running: %w", dbbackup.ErrConflict, stem, err)
		}
		defer lock.Release()
	}

	startTime := time.Now()
	res, err := pruner.Prune(ctx, runConfig.Base, prefix, keep)
	duration := time.Since(startTime).Round(time.Millisecond)
	pruneMetrics.LogSummary("Prune summary")
	if err != nil && !hints.IsHint(err) {
		return err
	}
	plog.Info(buildinfo.Name+" prune finished successfully.", "detail", res.Detail, "duration", duration)
	return nil
}
