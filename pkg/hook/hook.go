// Package hook runs user supplied shell commands around a backup, for example
// to pause replication before the dump or ship the file afterwards. Commands
// see the backup's details as PGL_DBBACKUP_* environment variables.
package hook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/paulschiretz/pgl-dbbackup/pkg/hints"
	"github.com/paulschiretz/pgl-dbbackup/pkg/plog"
)

var (
	ErrNothingToExecute = hints.New("nothing to execute")
	ErrDisabled         = hints.New("hook execution is disabled")
)

// Plan is one stage of hook commands.
type Plan struct {
	Enabled  bool
	Commands []string
	// Env is appended to the process environment of every command.
	Env []string

	DryRun   bool
	FailFast bool
}

// Executor runs hook commands.
type Executor struct {
	// commandContext allows mocking os/exec for testing hooks.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewExecutor creates an Executor. Pass exec.CommandContext outside of tests.
func NewExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *Executor {
	return &Executor{commandContext: commandContext}
}

// Run executes the stage's commands in order. Without FailFast a failing
// command is logged and the rest still run; the failures are returned joined.
func (e *Executor) Run(ctx context.Context, stage string, p *Plan) error {
	if !p.Enabled {
		return ErrDisabled
	}
	if len(p.Commands) == 0 {
		return ErrNothingToExecute
	}

	plog.Info("Running hook commands", "stage", stage, "count", len(p.Commands))

	var errs []error
	for _, command := range p.Commands {
		if err := ctx.Err(); err != nil {
			return err
		}

		if p.DryRun {
			plog.Info("[DRY RUN] Executing command", "stage", stage, "command", command)
			continue
		}
		plog.Info("Executing command", "stage", stage, "command", command)

		cmd := e.createCommand(ctx, command)
		cmd.Env = append(cmd.Environ(), p.Env...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return context.Canceled
			}
			err = fmt.Errorf("%s command '%s' failed: %w", stage, command, err)
			if p.FailFast {
				return err
			}
			plog.Warn("Hook command failed", "stage", stage, "command", command, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
