// Package lockfile serializes backup runs that target the same directory.
//
// The lock is a small JSON file created with O_EXCL. While held, a heartbeat
// refreshes its timestamp through an atomic rename. A lock whose timestamp is
// older than the stale timeout belongs to a crashed run: it is taken over by
// whoever first creates a short-lived guard file next to it.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paulschiretz/pgl-dbbackup/pkg/plog"
	"github.com/paulschiretz/pgl-dbbackup/pkg/util"
)

// LockFileName is created inside the backup directory. The '~' marks it as
// temporary and keeps it out of any stem-name prefix match.
const LockFileName = ".~pgl-dbbackup.lock"

// LockContent is the JSON payload of the lock file.
type LockContent struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AppID      string    `json:"appID"`
	Nonce      string    `json:"nonce"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// ErrLockActive is returned when another live process holds the lock.
type ErrLockActive struct {
	PID       int
	Hostname  string
	AppID     string
	TimeSince time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("lock is active, held by PID %d on host '%s' (%s), last updated %s ago",
		e.PID, e.Hostname, e.AppID, e.TimeSince.Truncate(time.Second))
}

var (
	// ErrLostRace means another process took over a stale lock first.
	ErrLostRace = errors.New("lost race during stale lock takeover")
	// ErrCorruptLockFile means the lock file is empty or not valid JSON.
	ErrCorruptLockFile = errors.New("lock file is corrupt or empty")
)

// Vars so tests can shorten them.
var (
	heartbeatInterval = time.Minute
	staleTimeout      = 3 * heartbeatInterval
	retryDelay        = 100 * time.Millisecond
)

// Lock is a held lock. Release it when the run ends.
type Lock struct {
	path string

	mu      sync.Mutex
	content LockContent
	held    bool
	stop    context.CancelFunc
	done    chan struct{}
}

// NameFor returns the lock file name guarding a single stem name, so backups of
// different databases into one directory do not block each other.
func NameFor(stem string) string {
	return ".~pgl-dbbackup." + util.SanitizeFileName(stem) + ".lock"
}

// Acquire takes the directory-wide lock in dir for appID. It returns
// *ErrLockActive when a live process holds it.
func Acquire(ctx context.Context, dir, appID string) (*Lock, error) {
	return AcquireFile(ctx, filepath.Join(dir, LockFileName), appID)
}

// AcquireFile is Acquire for an explicit lock file path.
func AcquireFile(ctx context.Context, path, appID string) (*Lock, error) {
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		l, err := create(path, appID)
		if err == nil {
			return l.start(), nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		holder, err := read(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Released between our create and read.
			continue
		case errors.Is(err, ErrCorruptLockFile):
			plog.Warn("Found corrupt lock file, treating as stale", "path", path, "error", err)
			holder = LockContent{}
		case err != nil:
			time.Sleep(retryDelay)
			continue
		default:
			if age := time.Since(holder.LastUpdate); age < staleTimeout {
				return nil, &ErrLockActive{PID: holder.PID, Hostname: holder.Hostname, AppID: holder.AppID, TimeSince: age}
			}
			plog.Warn("Found stale lock, attempting takeover", "pid", holder.PID, "host", holder.Hostname, "age", time.Since(holder.LastUpdate))
		}

		l, err = takeover(path, appID, holder.Nonce)
		if err == nil {
			return l.start(), nil
		}
		if errors.Is(err, ErrLostRace) {
			plog.Debug("Lock takeover race lost, retrying")
		} else {
			plog.Warn("Lock takeover failed, retrying", "error", err)
		}
		time.Sleep(retryDelay)
	}
	return nil, fmt.Errorf("failed to acquire lock %s after %d attempts", path, maxAttempts)
}

func newContent(appID string) (LockContent, error) {
	host, err := os.Hostname()
	if err != nil {
		return LockContent{}, fmt.Errorf("failed to read hostname: %w", err)
	}
	return LockContent{
		PID:        os.Getpid(),
		Hostname:   host,
		AppID:      appID,
		Nonce:      uuid.NewString(),
		LastUpdate: time.Now().UTC(),
	}, nil
}

// create claims a free lock with O_EXCL.
func create(path, appID string) (*Lock, error) {
	content, err := newContent(appID)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, err
	}
	data, _ := json.MarshalIndent(content, "", "  ")
	_, werr := f.Write(data)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}
	return &Lock{path: path, content: content}, nil
}

// takeover replaces a stale lock whose nonce was observed as staleNonce (empty
// for a corrupt file). The guard file makes the remove-and-create step
// exclusive between contenders.
func takeover(path, appID, staleNonce string) (*Lock, error) {
	guard := path + ".takeover"
	g, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			removeStaleGuard(guard)
			return nil, ErrLostRace
		}
		return nil, fmt.Errorf("failed to create takeover guard: %w", err)
	}
	g.Close()
	defer os.Remove(guard)

	current, err := read(path)
	switch {
	case err == nil && current.Nonce != staleNonce:
		// Someone finished a takeover before we got the guard.
		return nil, ErrLostRace
	case err != nil && !errors.Is(err, os.ErrNotExist) && !errors.Is(err, ErrCorruptLockFile):
		return nil, fmt.Errorf("failed to re-read lock file: %w", err)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale lock: %w", err)
	}
	l, err := create(path, appID)
	if err != nil {
		return nil, err
	}
	plog.Debug("Took over stale lock", "path", path)
	return l, nil
}

// removeStaleGuard clears a guard left behind by a process that died mid-takeover.
func removeStaleGuard(guard string) {
	info, err := os.Stat(guard)
	if err != nil || time.Since(info.ModTime()) < staleTimeout {
		return
	}
	plog.Warn("Removing abandoned lock takeover guard", "path", guard)
	os.Remove(guard)
}

func (l *Lock) start() *Lock {
	ctx, cancel := context.WithCancel(context.Background())
	l.held = true
	l.stop = cancel
	l.done = make(chan struct{})
	go l.heartbeat(ctx)
	return l
}

func (l *Lock) heartbeat(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			l.content.LastUpdate = time.Now().UTC()
			content := l.content
			l.mu.Unlock()
			if err := writeAtomic(l.path, content); err != nil {
				plog.Warn("Heartbeat failed to update lock file", "path", l.path, "error", err)
			}
		}
	}
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Release stops the heartbeat and removes the lock file. Safe to call twice.
func (l *Lock) Release() {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return
	}
	l.held = false
	l.mu.Unlock()

	l.stop()
	<-l.done

	// Only remove the file if it is still ours.
	if current, err := read(l.path); err == nil && current.Nonce != l.content.Nonce {
		plog.Warn("Lock file was taken over by another process, leaving it in place", "path", l.path, "pid", current.PID)
		return
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		return
	}
	plog.Debug("Lock released", "path", l.path)
}

// writeAtomic replaces the lock file through a temp file in the same directory.
func writeAtomic(path string, content LockContent) (retErr error) {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock content: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	defer func() {
		if retErr != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write temp lock file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp lock file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename temp lock file: %w", err)
	}
	return nil
}

// read parses the lock file, retrying briefly when it is caught mid-write.
func read(path string) (LockContent, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		data, err := os.ReadFile(path)
		if err != nil {
			return LockContent{}, err
		}
		var c LockContent
		if len(data) == 0 {
			lastErr = errors.New("lock file is empty")
		} else if lastErr = json.Unmarshal(data, &c); lastErr == nil {
			return c, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return LockContent{}, fmt.Errorf("%w: %v", ErrCorruptLockFile, lastErr)
}
