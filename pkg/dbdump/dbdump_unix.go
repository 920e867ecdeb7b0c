//go:build !windows

package dbdump

import (
	"os/exec"
	"time"

	"golang.org/x/sys/unix"
)

// configureProcessGroup puts the dump tool in its own process group and makes
// cancellation kill the whole group.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second
}
