//go:build linux || darwin || freebsd || netbsd || openbsd

package retention

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// creationTime returns the inode change time, which is what backup tools on
// unix have historically used as "created".
func creationTime(path string, info os.FileInfo) time.Time {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return info.ModTime()
	}
	return time.Unix(st.Ctim.Unix())
}
