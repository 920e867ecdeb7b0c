package cronjob

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-dbbackup/pkg/plog"
	"github.com/paulschiretz/pgl-dbbackup/pkg/util"
)

// DefaultInstallDir is where system cron picks up extended-format files.
const DefaultInstallDir = "/etc/cron.d"

// DefaultUser is the user field written into cron.d entries.
const DefaultUser = "root"

// Installation describes one cron.d file.
type Installation struct {
	FileName    string
	Schedule    string
	CommandLine string
	InstallDir  string
	// User defaults to DefaultUser.
	User string
}

// Path is the absolute location of the cron file.
func (i Installation) Path() string {
	return filepath.Join(i.InstallDir, i.FileName)
}

// Line renders the single crontab entry including the trailing newline.
func (i Installation) Line() string {
	user := i.User
	if user == "" {
		user = DefaultUser
	}
	return fmt.Sprintf("%s %s %s\n", i.Schedule, user, i.CommandLine)
}

// Install writes "<schedule> root <commandToRun>\n" to installDir/fileName and
// sets mode 0644. An existing file is replaced. The directory is not created.
func Install(fileName, schedule, commandToRun, installDir string) (Installation, error) {
	inst := Installation{
		FileName:    fileName,
		Schedule:    schedule,
		CommandLine: commandToRun,
		InstallDir:  installDir,
	}
	return inst, inst.Write()
}

// Write persists the installation.
func (i Installation) Write() error {
	if i.FileName == "" || strings.ContainsRune(i.FileName, os.PathSeparator) {
		return fmt.Errorf("invalid cron file name %q", i.FileName)
	}
	info, err := os.Stat(i.InstallDir)
	if err != nil {
		return fmt.Errorf("cron directory %s is not accessible: %w", i.InstallDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("cron path %s is not a directory", i.InstallDir)
	}

	path := i.Path()
	if err := os.WriteFile(path, []byte(i.Line()), util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write cron file %s: %w", path, err)
	}
	// WriteFile keeps the mode of a pre-existing file.
	if err := os.Chmod(path, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", path, err)
	}
	plog.Notice("INSTALL", "path", path, "schedule", i.Schedule)
	return nil
}

// Period selects one of the run-parts directories.
type Period string

const (
	Hourly  Period = "hourly"
	Daily   Period = "daily"
	Weekly  Period = "weekly"
	Monthly Period = "monthly"
)

// ParsePeriod validates a period name.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(s))); p {
	case Hourly, Daily, Weekly, Monthly:
		return p, nil
	}
	return "", fmt.Errorf("invalid cron period %q: must be one of hourly, daily, weekly, monthly", s)
}

// GenericInstallation is a wrapper script linked into /etc/cron.<period>.
type GenericInstallation struct {
	ScriptPath string
	LinkPath   string
}

// InstallGeneric writes a shell wrapper for commandToRun into scriptDir and
// symlinks it into cronRoot/cron.<period>. Existing files are replaced.
func InstallGeneric(fileName, commandToRun, scriptDir, cronRoot string, period Period) (GenericInstallation, error) {
	if _, err := ParsePeriod(string(period)); err != nil {
		return GenericInstallation{}, err
	}
	if fileName == "" || strings.ContainsRune(fileName, os.PathSeparator) {
		return GenericInstallation{}, fmt.Errorf("invalid cron file name %q", fileName)
	}

	gi := GenericInstallation{
		ScriptPath: filepath.Join(scriptDir, fileName),
		LinkPath:   filepath.Join(cronRoot, "cron."+string(period), fileName),
	}

	script := "#!/bin/sh\n" + commandToRun + "\n"
	if err := os.WriteFile(gi.ScriptPath, []byte(script), util.ExecutableFilePerms); err != nil {
		return GenericInstallation{}, fmt.Errorf("failed to write wrapper script %s: %w", gi.ScriptPath, err)
	}
	if err := os.Chmod(gi.ScriptPath, util.ExecutableFilePerms); err != nil {
		return GenericInstallation{}, fmt.Errorf("failed to set permissions on %s: %w", gi.ScriptPath, err)
	}

	if err := os.Remove(gi.LinkPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return GenericInstallation{}, fmt.Errorf("failed to replace %s: %w", gi.LinkPath, err)
	}
	if err := os.Symlink(gi.ScriptPath, gi.LinkPath); err != nil {
		return GenericInstallation{}, fmt.Errorf("failed to link %s: %w", gi.LinkPath, err)
	}
	plog.Notice("INSTALL", "script", gi.ScriptPath, "link", gi.LinkPath)
	return gi, nil
}
