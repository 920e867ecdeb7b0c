// Package dbdump runs mysqldump or pg_dump and streams the dump into a file.
//
// Credentials never appear in argv: the password is handed to the child via
// MYSQL_PWD or PGPASSWORD. The child runs in its own process group so a
// timeout or Ctrl-C takes down everything it spawned.
package dbdump

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-dbbackup/pkg/dbconn"
	"github.com/paulschiretz/pgl-dbbackup/pkg/plog"
	"github.com/paulschiretz/pgl-dbbackup/pkg/util"
)

// maxCapturedStderr bounds how much diagnostic output is kept for error messages.
const maxCapturedStderr = 64 * 1024

// ErrFileExists is returned when Exclusive is set and the output file already exists.
var ErrFileExists = errors.New("dump file already exists")

// Plan configures one dump.
type Plan struct {
	Connection dbconn.Params
	// Command overrides the dump binary (default mysqldump or pg_dump).
	Command   string
	ExtraArgs []string
	// Timeout bounds the dump. Zero means no limit beyond ctx.
	Timeout time.Duration
	// Exclusive opens the output with O_EXCL so a concurrent run cannot clobber it.
	Exclusive bool
}

// Result describes a finished dump.
type Result struct {
	// CommandLine is the argv that was run, safe to log.
	CommandLine  string
	Stderr       string
	BytesWritten int64
	Duration     time.Duration
}

// Dumper executes dump commands.
type Dumper struct {
	// commandContext allows mocking os/exec for testing dumps.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewDumper creates a Dumper. Pass exec.CommandContext outside of tests.
func NewDumper(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *Dumper {
	return &Dumper{commandContext: commandContext}
}

// Dump runs the dump command with stdout redirected to outPath. On a non-zero
// exit the partially written file is left in place.
func (d *Dumper) Dump(ctx context.Context, outPath string, p *Plan) (Result, error) {
	if err := p.Connection.Validate(); err != nil {
		return Result{}, err
	}
	name, args, env := BuildCommand(p.Connection, p.Command, p.ExtraArgs)
	res := Result{CommandLine: name + " " + strings.Join(args, " ")}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if p.Exclusive {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	out, err := os.OpenFile(outPath, flags, util.PrivateFilePerms)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return res, fmt.Errorf("%w: %s", ErrFileExists, outPath)
		}
		return res, fmt.Errorf("failed to open dump file %s: %w", outPath, err)
	}
	defer out.Close()

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	cmd := d.commandContext(ctx, name, args...)
	cmd.Env = append(cmd.Environ(), env...)
	counter := &countingWriter{w: out}
	stderr := &cappedBuffer{max: maxCapturedStderr}
	cmd.Stdout = counter
	cmd.Stderr = stderr
	configureProcessGroup(cmd)

	plog.Info("Running dump command", "command", res.CommandLine, "output", outPath)
	start := time.Now()
	runErr := cmd.Run()
	res.Duration = time.Since(start)
	res.BytesWritten = counter.n
	res.Stderr = strings.TrimSpace(stderr.String())

	if runErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return res, fmt.Errorf("dump command timed out after %s: %w", p.Timeout, context.DeadlineExceeded)
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return res, context.Canceled
		}
		return res, fmt.Errorf("dump command '%s' failed: %w%s", res.CommandLine, runErr, formatStderr(res.Stderr))
	}
	if err := out.Sync(); err != nil {
		return res, fmt.Errorf("failed to sync dump file %s: %w", outPath, err)
	}
	if err := out.Close(); err != nil {
		return res, fmt.Errorf("failed to close dump file %s: %w", outPath, err)
	}
	if res.Stderr != "" {
		plog.Debug("Dump command diagnostics", "stderr", res.Stderr)
	}
	return res, nil
}

func formatStderr(s string) string {
	if s == "" {
		return ""
	}
	return ": " + s
}

// BuildCommand returns the binary, argv and extra environment for a dump of p.
// The database name is always the last argument.
func BuildCommand(p dbconn.Params, command string, extra []string) (string, []string, []string) {
	var args, env []string
	switch p.Driver {
	case dbconn.Postgres:
		if command == "" {
			command = "pg_dump"
		}
		if p.Host != "" {
			args = append(args, "--host="+p.Host)
		} else if p.Socket != "" {
			args = append(args, "--host="+p.Socket)
		}
		if p.Port != 0 {
			args = append(args, "--port="+strconv.Itoa(p.Port))
		}
		if p.User != "" {
			args = append(args, "--username="+p.User)
		}
		args = append(args, "--no-password")
		if p.Password != "" {
			env = append(env, "PGPASSWORD="+p.Password)
		}
		if mode := p.Options["sslmode"]; mode != "" {
			env = append(env, "PGSSLMODE="+mode)
		}
	default:
		if command == "" {
			command = "mysqldump"
		}
		if p.User != "" {
			args = append(args, "--user="+p.User)
		}
		if p.Host != "" {
			args = append(args, "--host="+p.Host)
		}
		if p.Port != 0 {
			args = append(args, "--port="+strconv.Itoa(p.Port))
		}
		if p.Socket != "" {
			args = append(args, "--socket="+p.Socket)
		}
		if cs := p.Options["charset"]; cs != "" {
			args = append(args, "--default-character-set="+cs)
		}
		if p.Password != "" {
			env = append(env, "MYSQL_PWD="+p.Password)
		}
	}
	args = append(args, extra...)
	args = append(args, p.Database)
	return command, args, env
}

type countingWriter struct {
	w interface{ Write([]byte) (int, error) }
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// cappedBuffer keeps the first max bytes and silently drops the rest, so a
// chatty child can never block on a full pipe or exhaust memory.
type cappedBuffer struct {
	buf bytes.Buffer
	max int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if room := c.max - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string { return c.buf.String() }
