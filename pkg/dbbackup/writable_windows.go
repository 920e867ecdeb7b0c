//go:build windows

package dbbackup

import (
	"errors"
	"os"
)

func checkWritable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm()&0200 == 0 {
		return errors.New("permission denied")
	}
	return nil
}
