//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly && !windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// zeroing still works here, swapping cannot be prevented
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
