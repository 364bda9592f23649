//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly && !windows

package persist

import "os"

// no advisory locks here: one process per chain directory
func lockFile(file *os.File, exclusive bool) error {
	return nil
}

func unlockFile(file *os.File) error {
	return nil
}
