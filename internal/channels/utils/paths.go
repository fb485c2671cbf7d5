package utils

import (
	"os"
	"path/filepath"
)

// EnsureParentDir creates the parent directory of a path if it does not
// already exist.
func EnsureParentDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

// EnsureDir creates a directory if it does not already exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}
