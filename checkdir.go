package main

import (
	"fmt"
	"os"
	"path/filepath"

	// Make sure fds 0, 1 and 2 are open before anything else
	_ "github.com/encmirrorfs/encmirrorfs/internal/ensurefds012"
)

func checkDirEmpty(dir string) error {
	err := checkDir(dir)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	return fmt.Errorf("directory %s not empty", dir)
}

func checkDir(dir string) error {
	fi, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

// realpath returns the absolute path of "dir" with all symlinks resolved.
// The shadowing checks compare these paths.
func realpath(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}
