package util

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Permission constants for file and directory modes.
const (
	// UserWritableDirPerms is used for directories the tool creates itself (rwxr-xr-x).
	UserWritableDirPerms os.FileMode = 0755
	// UserWritableFilePerms is used for config and cron files (rw-r--r--).
	UserWritableFilePerms os.FileMode = 0644
	// OpenDirPerms is the mode requested for backup directories created on demand.
	// The process umask still applies.
	OpenDirPerms os.FileMode = 0777
	// PrivateFilePerms is used for database dumps (rw-------).
	PrivateFilePerms os.FileMode = 0600
	// ExecutableFilePerms is used for wrapper scripts (rwxr-xr-x).
	ExecutableFilePerms os.FileMode = 0755
)

// ExpandPath expands the tilde (~) prefix in a path to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not get user home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}

// InvertMap takes a map[K]V and returns a map[V]K.
// It's a generic helper for creating reverse lookup maps for enums.
func InvertMap[K comparable, V comparable](m map[K]V) map[V]K {
	inv := make(map[V]K, len(m))
	for k, v := range m {
		inv[v] = k
	}
	return inv
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// SanitizeFileName reduces name to [A-Za-z0-9_-]. run-parts and cron.d skip
// files whose names contain dots or other punctuation.
func SanitizeFileName(name string) string {
	return strings.Trim(unsafeNameChars.ReplaceAllString(name, "_"), "_")
}

// FileExists reports whether path exists. Errors other than "not exist" count as existing
// so callers err on the side of not clobbering.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !os.IsNotExist(err)
}
