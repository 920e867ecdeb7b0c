//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package retention

import (
	"os"
	"time"
)

func creationTime(path string, info os.FileInfo) time.Time {
	return info.ModTime()
}
