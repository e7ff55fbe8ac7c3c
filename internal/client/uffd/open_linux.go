//go:build linux

package uffd

// OpenPlatformHandle opens the real userfaultfd-backed FaultHandle.
func OpenPlatformHandle() (FaultHandle, error) {
	return Open()
}
