// Package dbbackup runs one database backup: dated file name, overwrite
// check, dump, optional compression, then retention.
//
// Every step can end the run. Hard failures produce exit code 1 and an error
// wrapping ErrConfig, ErrConflict or ErrProcess. Retention problems after a
// successful dump are only reported as warnings.
package dbbackup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/paulschiretz/pgl-dbbackup/pkg/compression"
	"github.com/paulschiretz/pgl-dbbackup/pkg/dbconn"
	"github.com/paulschiretz/pgl-dbbackup/pkg/dbdump"
	"github.com/paulschiretz/pgl-dbbackup/pkg/hints"
	"github.com/paulschiretz/pgl-dbbackup/pkg/hook"
	"github.com/paulschiretz/pgl-dbbackup/pkg/plog"
	"github.com/paulschiretz/pgl-dbbackup/pkg/retention"
	"github.com/paulschiretz/pgl-dbbackup/pkg/util"
)

// Error kinds, testable with errors.Is.
var (
	ErrConfig   = errors.New("configuration error")
	ErrConflict = errors.New("backup file conflict")
	ErrProcess  = errors.New("external process failed")
)

const (
	// DateLayout is the date part of a backup file name.
	DateLayout = "2006-01-02"
	// Ext is the extension of an uncompressed dump.
	Ext = ".sql"
)

// Message categories.
const (
	CategoryBackup = "BACKUP"
	CategoryPrune  = "BACKUP PRUNE FILES"
	CategoryHook   = "BACKUP HOOK"
)

// Message statuses.
const (
	StatusSuccess = "Success"
	StatusFailure = "Failure"
	StatusSkipped = "Skipped"
)

// DatedPath returns baseDir/stem_YYYY-MM-DD.sql for the calendar date of today.
func DatedPath(baseDir, stem string, today time.Time) string {
	return filepath.Join(baseDir, stem+"_"+today.Format(DateLayout)+Ext)
}

// Message is one step outcome, rendered as "category|status|detail".
type Message struct {
	Category string
	Status   string
	Detail   string
}

func (m Message) String() string {
	return m.Category + "|" + m.Status + "|" + m.Detail
}

// Report is the outcome of Run.
type Report struct {
	RunID    string
	ExitCode int
	// Output holds diagnostics of the external dump process.
	Output   string
	Errors   []string
	Messages []Message

	// FilePath is the backup file left on disk after a successful run.
	FilePath    string
	DumpBytes   int64
	FileBytes   int64
	FilesPruned int
	PruneFailed int
	Started     time.Time
	Duration    time.Duration
}

func (r *Report) message(category, status, detail string) {
	m := Message{Category: category, Status: status, Detail: detail}
	r.Messages = append(r.Messages, m)
	if status == StatusFailure {
		plog.Warn(m.String())
	} else {
		plog.Info(m.String())
	}
}

func (r *Report) fail(err error) error {
	r.ExitCode = 1
	r.Errors = append(r.Errors, err.Error())
	r.Messages = append(r.Messages, Message{Category: CategoryBackup, Status: StatusFailure, Detail: err.Error()})
	return err
}

// Plan configures one run.
type Plan struct {
	Connection dbconn.Params
	StemName   string

	Compress    bool
	Compression compression.Plan
	Overwrite   bool
	// KeepNFiles is the retention count. retention.Unlimited (-1) keeps everything.
	KeepNFiles      int
	CreateIfMissing bool

	DumpCommand string
	DumpArgs    []string
	DumpTimeout time.Duration

	PreHooks  hook.Plan
	PostHooks hook.Plan

	DryRun bool
}

// Dumper writes a database dump to a file.
type Dumper interface {
	Dump(ctx context.Context, outPath string, p *dbdump.Plan) (dbdump.Result, error)
}

// Pruner applies the retention count.
type Pruner interface {
	Prune(ctx context.Context, dir, prefix string, keepNFiles int) (retention.Result, error)
}

// HookRunner runs pre and post commands.
type HookRunner interface {
	Run(ctx context.Context, stage string, p *hook.Plan) error
}

// Runner executes backups.
type Runner struct {
	dumper Dumper
	pruner Pruner
	hooks  HookRunner

	// Swapped in tests.
	compress func(ctx context.Context, src string, p compression.Plan) (compression.Result, error)
	writable func(path string) error
}

// NewRunner wires a Runner.
func NewRunner(dumper Dumper, pruner Pruner, hooks HookRunner) *Runner {
	return &Runner{
		dumper:   dumper,
		pruner:   pruner,
		hooks:    hooks,
		compress: compression.CompressFile,
		writable: checkWritable,
	}
}

// Run backs up p.Connection into fullPath. The returned Report is never nil.
func (r *Runner) Run(ctx context.Context, fullPath string, p *Plan) (*Report, error) {
	rep := &Report{RunID: uuid.NewString(), Started: time.Now()}
	defer func() { rep.Duration = time.Since(rep.Started) }()

	db := p.Connection.Database
	plog.Info("Starting database backup", "run_id", rep.RunID, "connection", p.Connection, "path", fullPath)

	if err := r.validate(fullPath, p); err != nil {
		return rep, rep.fail(err)
	}

	// 1. Parent directory.
	dir := filepath.Dir(fullPath)
	if err := ensureDir(dir, p.CreateIfMissing && !p.DryRun); err != nil {
		return rep, rep.fail(err)
	}

	// 2. Overwrite gate.
	checkPath := fullPath
	if p.Compress {
		checkPath = compression.TargetPath(fullPath, p.Compression.Format)
	}
	if err := r.checkOverwrite(checkPath, p.Overwrite); err != nil {
		return rep, rep.fail(err)
	}

	if err := r.runHooks(ctx, rep, "pre-backup", &p.PreHooks, nil); err != nil {
		return rep, rep.fail(fmt.Errorf("%w: %w", ErrProcess, err))
	}

	if p.DryRun {
		plog.Info("[DRY RUN] Would dump database", "database", db, "path", fullPath, "compress", p.Compress)
		rep.FilePath = checkPath
	} else {
		// 3. Dump. Only an uncompressed dump is the backup itself; with
		// compression the .sql is scratch space and a leftover may be replaced.
		res, err := r.dumper.Dump(ctx, fullPath, &dbdump.Plan{
			Connection: p.Connection,
			Command:    p.DumpCommand,
			ExtraArgs:  p.DumpArgs,
			Timeout:    p.DumpTimeout,
			Exclusive:  !p.Overwrite && !p.Compress,
		})
		rep.Output = res.Stderr
		rep.DumpBytes = res.BytesWritten
		if err != nil {
			if errors.Is(err, dbdump.ErrFileExists) {
				return rep, rep.fail(fmt.Errorf("%w: the backup file %s already exists", ErrConflict, fullPath))
			}
			if errors.Is(err, context.Canceled) {
				return rep, rep.fail(err)
			}
			return rep, rep.fail(fmt.Errorf("%w: failed to back up database %s: %w", ErrProcess, db, err))
		}
		rep.FilePath = fullPath
		rep.FileBytes = res.BytesWritten

		// 4. Compression.
		if p.Compress {
			cres, err := r.compress(ctx, fullPath, p.Compression)
			if err != nil {
				return rep, rep.fail(fmt.Errorf("%w: failed to compress %s: %w", ErrProcess, fullPath, err))
			}
			rep.FilePath = cres.Path
			rep.FileBytes = cres.BytesWritten
		}
	}

	// 5. Success, then retention.
	rep.message(CategoryBackup, StatusSuccess, fmt.Sprintf("Successfully backed up database %s to %s", db, rep.FilePath))
	if rep.Output != "" {
		plog.Debug("Dump output", "output", rep.Output)
	}

	env := []string{
		"PGL_DBBACKUP_FILE=" + rep.FilePath,
		"PGL_DBBACKUP_STEM=" + p.StemName,
		"PGL_DBBACKUP_DATABASE=" + db,
		"PGL_DBBACKUP_RUN_ID=" + rep.RunID,
	}
	if err := r.runHooks(ctx, rep, "post-backup", &p.PostHooks, env); err != nil {
		rep.message(CategoryHook, StatusFailure, err.Error())
	}

	r.prune(ctx, rep, dir, p)
	return rep, nil
}

func (r *Runner) validate(fullPath string, p *Plan) error {
	if fullPath == "" {
		return fmt.Errorf("%w: backup path is empty", ErrConfig)
	}
	if strings.TrimSpace(p.StemName) == "" {
		return fmt.Errorf("%w: stem name is required", ErrConfig)
	}
	if p.KeepNFiles < retention.Unlimited {
		return fmt.Errorf("%w: keepNFiles must be -1 or >= 0, got %d", ErrConfig, p.KeepNFiles)
	}
	if err := p.Connection.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return nil
}

func ensureDir(dir string, create bool) error {
	info, err := os.Stat(dir)
	switch {
	case err == nil && info.IsDir():
		return nil
	case err == nil:
		return fmt.Errorf("%w: backup path %s is not a directory", ErrConfig, dir)
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: cannot access backup directory %s: %w", ErrConfig, dir, err)
	case !create:
		return fmt.Errorf("%w: backup directory %s does not exist", ErrConfig, dir)
	}
	if err := os.MkdirAll(dir, util.OpenDirPerms); err != nil {
		return fmt.Errorf("%w: failed to create backup directory %s: %w", ErrConfig, dir, err)
	}
	plog.Notice("MKDIR", "path", dir)
	return nil
}

func (r *Runner) checkOverwrite(path string, overwrite bool) error {
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: cannot inspect %s: %w", ErrConfig, path, err)
	}
	if !overwrite {
		return fmt.Errorf("%w: the backup file %s already exists", ErrConflict, path)
	}
	if err := r.writable(path); err != nil {
		return fmt.Errorf("%w: the backup file %s already exists and cannot be overwritten: %w", ErrConflict, path, err)
	}
	plog.Debug("Overwriting existing backup file", "path", path)
	return nil
}

// runHooks treats skipped stages as success.
func (r *Runner) runHooks(ctx context.Context, rep *Report, stage string, p *hook.Plan, env []string) error {
	if r.hooks == nil {
		return nil
	}
	hp := *p
	hp.Env = append(append([]string(nil), p.Env...), env...)
	err := r.hooks.Run(ctx, stage, &hp)
	if err == nil || hints.IsHint(err) {
		return nil
	}
	return err
}

func (r *Runner) prune(ctx context.Context, rep *Report, dir string, p *Plan) {
	if r.pruner == nil {
		return
	}
	// The trailing underscore keeps "db" from pruning "db2_...".
	res, err := r.pruner.Prune(ctx, dir, p.StemName+"_", p.KeepNFiles)
	rep.FilesPruned = len(res.Deleted)
	rep.PruneFailed = len(res.Failed)
	switch {
	case err == nil:
		rep.message(CategoryPrune, StatusSuccess, res.Detail)
	case hints.IsHint(err):
		rep.message(CategoryPrune, StatusSkipped, res.Detail)
	default:
		rep.message(CategoryPrune, StatusFailure, err.Error())
	}
}
