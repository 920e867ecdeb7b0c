package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-dbbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-dbbackup/pkg/config"
	"github.com/paulschiretz/pgl-dbbackup/pkg/cronjob"
	"github.com/paulschiretz/pgl-dbbackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-dbbackup/pkg/optstring"
	"github.com/paulschiretz/pgl-dbbackup/pkg/plog"
	"github.com/paulschiretz/pgl-dbbackup/pkg/util"
)

// executable locates the running binary for the cron command line. Swapped in tests.
var executable = os.Executable

// notReplayed are flags that describe the installation itself, or that the
// installed job sets on its own.
var notReplayed = []string{
	"install", "crontime", "cronpath", "cronprefix", "cronuser", "cronperiod",
	"dry-run", "compress", "overwrite", "pre-backup-hooks", "post-backup-hooks",
}

// runInstall writes the cron job that repeats this backup. The job always
// compresses and overwrites, so a rerun on the same day replaces the file.
func runInstall(cfg config.Config, stem string, flagMap map[string]interface{}) error {
	exe, err := executable()
	if err != nil {
		return fmt.Errorf("could not locate the %s binary: %w", buildinfo.ExecName, err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}

	replay, _ := flagMap[flagparse.ReplayKey].(flagparse.Replay)
	commandLine := cronCommandLine(exe, cfg.Base, stem, replay)
	fileName := util.SanitizeFileName(cfg.Cron.Prefix + buildinfo.ExecName + "_" + stem)

	if period, _ := flagMap["cronperiod"].(string); period != "" {
		p, err := cronjob.ParsePeriod(period)
		if err != nil {
			return err
		}
		if cfg.Runtime.DryRun {
			plog.Info("[DRY RUN] Would install generic cron job", "period", p, "command", commandLine)
			return nil
		}
		gi, err := cronjob.InstallGeneric(fileName, commandLine, cfg.Base, filepath.Dir(cfg.Cron.Path), p)
		if err != nil {
			return err
		}
		plog.Info("Installed cron job", "script", gi.ScriptPath, "link", gi.LinkPath, "period", p)
		return nil
	}

	// cron(8) turns an unescaped '%' into a newline.
	cronLine := strings.ReplaceAll(commandLine, "%", `\%`)
	if cfg.Runtime.DryRun {
		inst := cronjob.Installation{FileName: fileName, Schedule: cfg.Cron.Time, CommandLine: cronLine, InstallDir: cfg.Cron.Path, User: cfg.Cron.User}
		plog.Info("[DRY RUN] Would install cron job", "path", inst.Path(), "line", strings.TrimSpace(inst.Line()))
		return nil
	}

	var inst cronjob.Installation
	if cfg.Cron.User == "" || cfg.Cron.User == cronjob.DefaultUser {
		inst, err = cronjob.Install(fileName, cfg.Cron.Time, cronLine, cfg.Cron.Path)
	} else {
		inst = cronjob.Installation{FileName: fileName, Schedule: cfg.Cron.Time, CommandLine: cronLine, InstallDir: cfg.Cron.Path, User: cfg.Cron.User}
		err = inst.Write()
	}
	if err != nil {
		return err
	}
	plog.Info("Installed cron job", "path", inst.Path(), "schedule", inst.Schedule)
	return nil
}

// cronCommandLine renders "<exe> backup <path> <stem> --compress --overwrite ..."
// followed by the remaining flags of the current invocation.
func cronCommandLine(exe, base, stem string, replay flagparse.Replay) string {
	schema := replay.Schema
	if len(schema) == 0 {
		schema = optstring.Schema{{Name: "compress", Mode: optstring.None}, {Name: "overwrite", Mode: optstring.None}}
	}
	values := replay.Values.Without(notReplayed...).
		Set("compress", true).
		Set("overwrite", true).
		Sorted(schema)

	var b strings.Builder
	b.WriteString(shellQuote(exe))
	b.WriteString(" " + flagparse.Backup.String())
	b.WriteString(" " + shellQuote(base))
	b.WriteString(" " + shellQuote(stem))
	b.WriteString(optstring.Render(values, schema))
	return b.String()
}

// shellQuote single-quotes s unless it only holds characters the shell leaves alone.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
