//go:build !linux

package uffd

import "errors"

// OpenPlatformHandle reports that userfaultfd is unavailable on this
// platform — mode detection (spec section 4.1) treats this exactly like
// any other fault-handle open failure and falls back to Disabled.
func OpenPlatformHandle() (FaultHandle, error) {
	return nil, errors.New("uffd: userfaultfd is only available on linux")
}
