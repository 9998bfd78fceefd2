//go:build windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// VirtualLock has per-process quota limits; rely on buffer zeroing
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
