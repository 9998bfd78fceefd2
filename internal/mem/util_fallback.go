//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly && !windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// Zeroing still happens on unsupported platforms but swapping
	// cannot be prevented.
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
