// Package pathutil expands user-supplied file paths such as identity files
// and known_hosts locations.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome expands environment variables and a leading ~/ to the user's
// home directory. Paths like ~otheruser/... keep their tilde since other
// users' home directories cannot be resolved reliably.
func ExpandHome(path string) string {
	if path == "" {
		return path
	}
	path = os.ExpandEnv(path)
	if !strings.HasPrefix(path, "~/") && path != "~" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}
