//go:build windows

package dbdump

import (
	"os/exec"
	"time"

	"golang.org/x/sys/windows"
)

// configureProcessGroup starts the dump tool in a new process group.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &windows.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
	cmd.WaitDelay = 5 * time.Second
}
