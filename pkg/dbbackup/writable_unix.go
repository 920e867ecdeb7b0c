//go:build !windows

package dbbackup

import "golang.org/x/sys/unix"

// checkWritable asks the kernel, so ACLs and root are accounted for.
func checkWritable(path string) error {
	return unix.Access(path, unix.W_OK)
}
