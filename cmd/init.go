package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-dbbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-dbbackup/pkg/config"
	"github.com/paulschiretz/pgl-dbbackup/pkg/dbconn"
	"github.com/paulschiretz/pgl-dbbackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-dbbackup/pkg/lockfile"
	"github.com/paulschiretz/pgl-dbbackup/pkg/plog"
	"github.com/paulschiretz/pgl-dbbackup/pkg/util"
)

// RunInit handles the logic for the 'init' command.
func RunInit(ctx context.Context, flagMap map[string]interface{}) error {
	base, ok := flagMap["path"].(string)
	if !ok || base == "" {
		return fmt.Errorf("a backup path is required for the init operation")
	}
	base, err := util.ExpandPath(base)
	if err != nil {
		return fmt.Errorf("could not expand backup path: %w", err)
	}

	var baseConfig config.Config

	initDefault, _ := flagMap["default"].(bool)
	if initDefault {
		force, _ := flagMap["force"].(bool)
		if !force && util.FileExists(configPath(base)) {
			fmt.Printf("WARNING: Configuration file already exists at %s.\n", configPath(base))
			fmt.Printf("Using --default will overwrite it with default values. All custom settings will be lost.\n")
			if !PromptForConfirmation("Are you sure you want to continue?", false) {
				plog.Info(buildinfo.Name + " init operation canceled.")
				return nil
			}
		}
		baseConfig = config.NewDefault()
	} else {
		// Keep the settings of an existing config. Load returns the
		// defaults if the file simply doesn't exist.
		baseConfig, err = config.Load(base)
		if err != nil {
			plog.Warn("Could not load existing configuration, starting with defaults.", "reason", err)
			baseConfig = config.NewDefault()
		}
	}

	runConfig := config.MergeConfigWithFlags(flagparse.Init, baseConfig, flagMap)
	runConfig.Base = base
	if err := runConfig.Validate(); err != nil {
		return err
	}

	if runConfig.Runtime.DryRun {
		plog.Info("[DRY RUN] Would write configuration", "path", configPath(runConfig.Base))
		return nil
	}

	startTime := time.Now()

	// Make sure the backup directory exists and can hold the config and lock.
	if err := os.MkdirAll(runConfig.Base, util.OpenDirPerms); err != nil {
		return fmt.Errorf("failed to create backup directory %s: %w", runConfig.Base, err)
	}

	appID := fmt.Sprintf("%s-init:%s", buildinfo.ExecName, runConfig.Base)
	lock, err := lockfile.Acquire(ctx, runConfig.Base, appID)
	if err != nil {
		return fmt.Errorf("failed to acquire lock on backup directory: %w", err)
	}
	defer lock.Release()

	if err := config.Generate(runConfig); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}

	// A starter connections file, only if none exists yet.
	connPath := runConfig.ConnectionsFilePath()
	switch err := dbconn.WriteTemplate(connPath); {
	case err == nil:
		plog.Info("Wrote connections template, edit it before the first backup", "path", connPath)
	case errors.Is(err, os.ErrExist):
		plog.Debug("Keeping existing connections file", "path", connPath)
	default:
		return fmt.Errorf("failed to write connections template: %w", err)
	}

	duration := time.Since(startTime).Round(time.Millisecond)
	plog.Info(buildinfo.Name+" backup directory successfully initialized.", "path", runConfig.Base, "duration", duration)
	return nil
}

func configPath(base string) string {
	return filepath.Join(base, config.ConfigFileName)
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
