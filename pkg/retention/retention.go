// Package retention keeps the newest N backup files for a stem name and
// deletes the rest.
//
// Files are ordered by creation time (ctime on unix, falling back to the
// modification time), newest first. Deletion is best effort: every candidate is
// attempted, failures are collected and returned together so the caller can
// downgrade them to a warning. Re-running a prune converges to the same set.
package retention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-dbbackup/pkg/hints"
	"github.com/paulschiretz/pgl-dbbackup/pkg/plog"
)

// Unlimited disables pruning.
const Unlimited = -1

var (
	// ErrUnlimited is returned as a hint when keepNFiles is Unlimited.
	ErrUnlimited = errors.New("no files pruned because keepNFiles is -1")
	// ErrNothingToPrune is returned as a hint when no more than keepNFiles files exist.
	ErrNothingToPrune = errors.New("no files pruned, retention count not exceeded")
)

// File is one backup file found on disk.
type File struct {
	Path    string
	Name    string
	Created time.Time
}

// Result describes what a prune did.
type Result struct {
	Kept    []File
	Deleted []File
	Failed  []File
	Detail  string
}

// Pruner deletes old backup files. The zero value is not usable; use NewPruner.
type Pruner struct {
	workers int
	dryRun  bool
	metrics Metrics

	// createdAt is swapped in tests that need deterministic ordering.
	createdAt func(path string, info os.FileInfo) time.Time
}

// NewPruner creates a Pruner that deletes with up to workers goroutines.
// A nil Metrics disables counting.
func NewPruner(workers int, dryRun bool, m Metrics) *Pruner {
	if workers < 1 {
		workers = 1
	}
	if m == nil {
		m = &NoopMetrics{}
	}
	return &Pruner{
		workers:   workers,
		dryRun:    dryRun,
		metrics:   m,
		createdAt: creationTime,
	}
}

// List returns the regular files in dir whose name starts with prefix, newest first.
// Ties are broken by name, descending, so dated names keep calendar order.
func (p *Pruner) List(ctx context.Context, dir, prefix string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory %s: %w", dir, err)
	}

	var files []File
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.Type().IsRegular() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			plog.Debug("Skipping vanished file", "name", entry.Name(), "error", err)
			continue
		}
		path := filepath.Join(dir, entry.Name())
		files = append(files, File{Path: path, Name: entry.Name(), Created: p.createdAt(path, info)})
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].Created.Equal(files[j].Created) {
			return files[i].Created.After(files[j].Created)
		}
		return files[i].Name > files[j].Name
	})
	return files, nil
}

// Prune keeps the keepNFiles newest files matching prefix in dir and deletes the rest.
// Skipped runs return a hint (ErrUnlimited, ErrNothingToPrune). Partial failures
// return a joined error alongside a Result listing what was deleted.
func (p *Pruner) Prune(ctx context.Context, dir, prefix string, keepNFiles int) (Result, error) {
	if keepNFiles == Unlimited {
		return Result{Detail: ErrUnlimited.Error()}, hints.Wrap(ErrUnlimited)
	}
	if keepNFiles < 0 {
		return Result{}, fmt.Errorf("invalid keepNFiles %d: must be -1 or >= 0", keepNFiles)
	}

	files, err := p.List(ctx, dir, prefix)
	if err != nil {
		return Result{}, err
	}
	if len(files) <= keepNFiles {
		plog.Debug("No backup files need deletion", "dir", dir, "prefix", prefix, "found", len(files), "keep", keepNFiles)
		return Result{Kept: files, Detail: ErrNothingToPrune.Error()}, hints.Wrap(ErrNothingToPrune)
	}

	res := Result{Kept: files[:keepNFiles]}
	toDelete := files[keepNFiles:]
	plog.Info("Deleting outdated backup files", "dir", dir, "prefix", prefix, "count", len(toDelete), "keep", keepNFiles)

	deleted, failed, errs := p.deleteAll(ctx, toDelete)
	res.Deleted = deleted
	res.Failed = failed

	if len(errs) > 0 {
		res.Detail = fmt.Sprintf("deleted %d of %d files, %d failed", len(deleted), len(toDelete), len(failed))
		return res, fmt.Errorf("failed to delete %d backup file(s): %w", len(failed), errors.Join(errs...))
	}
	if err := ctx.Err(); err != nil {
		res.Detail = fmt.Sprintf("deleted %d of %d files before cancellation", len(deleted), len(toDelete))
		return res, err
	}
	res.Detail = fmt.Sprintf("deleted %d files, kept %d", len(deleted), len(res.Kept))
	return res, nil
}

// deleteAll removes files with a bounded number of workers. Results keep the
// input order.
func (p *Pruner) deleteAll(ctx context.Context, files []File) (deleted, failed []File, errs []error) {
	outcome := make([]error, len(files))
	attempted := make([]bool, len(files))

	// Workers never return an error to the group: one failed delete must not
	// cancel the others.
	var g errgroup.Group
	g.SetLimit(p.workers)
	for i, f := range files {
		if ctx.Err() != nil {
			plog.Debug("Cancellation received, stopping prune.")
			break
		}
		i, f := i, f
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			attempted[i] = true
			if p.dryRun {
				plog.Notice("[DRY RUN] DELETE", "path", f.Path)
				return nil
			}
			plog.Notice("DELETE", "path", f.Path)
			if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
				outcome[i] = err
				p.metrics.AddFilesFailed(1)
				plog.Warn("Failed to delete outdated backup file", "path", f.Path, "error", err)
				return nil
			}
			p.metrics.AddFilesDeleted(1)
			return nil
		})
	}
	_ = g.Wait()

	for i, f := range files {
		switch {
		case !attempted[i]:
		case outcome[i] != nil:
			failed = append(failed, f)
			errs = append(errs, outcome[i])
		default:
			deleted = append(deleted, f)
		}
	}
	return deleted, failed, errs
}
