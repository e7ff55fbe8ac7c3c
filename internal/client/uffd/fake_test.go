package uffd

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestInstallIdempotence is property 4 from spec section 8: issuing a
// copy-in twice for the same address results in the first succeeding and
// the second producing ErrAlreadyInstalled (the kernel's EEXIST), which
// the caller resolves by waking the range instead of installing again.
func TestInstallIdempotence(t *testing.T) {
	f := NewFake()
	const addr = 0x2000
	page := make([]byte, 4096)
	for i := range page {
		page[i] = byte(i)
	}

	require.NoError(t, f.Install(addr, page))

	err := f.Install(addr, page)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrAlreadyInstalled))

	require.NoError(t, f.Wake(addr, 4096))
	require.True(t, f.Resolved(addr))
}

// TestZeroFillIdempotence mirrors TestInstallIdempotence for the unblock
// policy's zero-fill path (spec section 4.5): a second zero-fill of an
// already-resolved address also yields ErrAlreadyInstalled.
func TestZeroFillIdempotence(t *testing.T) {
	f := NewFake()
	const addr = 0x3000

	require.NoError(t, f.ZeroFill(addr))

	err := f.ZeroFill(addr)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrAlreadyInstalled))
	require.True(t, f.IsZeroed(addr))
}

// TestZeroFillAfterInstallIsAlreadyInstalled covers the cross-path case:
// an address resolved by Install still reports ErrAlreadyInstalled if the
// unblock policy later races in and tries to zero-fill the same address.
func TestZeroFillAfterInstallIsAlreadyInstalled(t *testing.T) {
	f := NewFake()
	const addr = 0x4000
	page := make([]byte, 4096)

	require.NoError(t, f.Install(addr, page))

	err := f.ZeroFill(addr)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrAlreadyInstalled))
}
