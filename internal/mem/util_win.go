//go:build windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// VirtualLock is per-region only; rely on memguard for key buffers
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
