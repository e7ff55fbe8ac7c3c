package worker

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vmshard/dsm-uffd/internal/client/pool"
	"github.com/vmshard/dsm-uffd/internal/client/uffd"
	"github.com/vmshard/dsm-uffd/internal/logger"
	"github.com/vmshard/dsm-uffd/internal/protocol"
)

// fakeNode starts a single-connection TCP server that answers every
// 8-byte request with protocol.ResponseSize bytes, deterministically
// derived from the requested base, mirroring the server's own framing
// contract (spec section 4.7) without depending on the server package.
func fakeNode(t *testing.T) uint16 {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		req := make([]byte, protocol.RequestSize)
		for {
			if _, err := io.ReadFull(c, req); err != nil {
				return
			}
			base, err := protocol.DecodeRequest(req)
			if err != nil {
				return
			}

			resp := make([]byte, protocol.ResponseSize)
			for i := range resp {
				resp[i] = byte((base + uint64(i)) % 256)
			}
			if _, err := c.Write(resp); err != nil {
				return
			}
		}
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return uint16(port)
}

func TestFetchAndInstallHappyPath(t *testing.T) {
	port := fakeNode(t)
	p := pool.NewWithPort([]string{"127.0.0.1"}, port, logger.Nop())
	t.Cleanup(p.Close)

	handle := uffd.NewFake()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	const base = 4096 * 7
	fetchAndInstall(ctx, p, handle, base, logger.Nop())

	require.True(t, handle.Resolved(base))
	data, ok := handle.InstalledData(base)
	require.True(t, ok)
	require.Len(t, data, protocol.PageSize)
	require.Equal(t, byte(base%256), data[0])

	// Prefetch window pages must also be installed.
	lastPage := base + uint64(protocol.Prefetch-1)*protocol.PageSize
	require.True(t, handle.Resolved(lastPage))
}

// TestFetchAndInstallDuplicateFaultWakesInsteadOfReinstalling is property
// 4 from spec section 8 exercised through the real per-fault RPC: a
// second fetchAndInstall for an already-resolved base must not error out
// or overwrite the installed page, it must wake the range instead
// (installPages' EEXIST branch, rpc.go).
func TestFetchAndInstallDuplicateFaultWakesInsteadOfReinstalling(t *testing.T) {
	port := fakeNode(t)
	p := pool.NewWithPort([]string{"127.0.0.1"}, port, logger.Nop())
	t.Cleanup(p.Close)

	handle := uffd.NewFake()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	const base = 4096 * 9
	fetchAndInstall(ctx, p, handle, base, logger.Nop())
	require.True(t, handle.Resolved(base))

	original, ok := handle.InstalledData(base)
	require.True(t, ok)

	// A second RPC for the same base races in as if two vCPUs faulted on
	// the same page concurrently; every page in its prefetch window is
	// already installed, so every Install call hits EEXIST and falls back
	// to Wake.
	fetchAndInstall(ctx, p, handle, base, logger.Nop())

	require.True(t, handle.Woken(base))
	stillOriginal, ok := handle.InstalledData(base)
	require.True(t, ok)
	require.Equal(t, original, stillOriginal, "duplicate install must not overwrite the already-installed page")
}

func TestFetchAndInstallUnreachableNodeUnblocks(t *testing.T) {
	// Nothing listens on this port, so every dial attempt fails fast.
	p := pool.NewWithPort([]string{"127.0.0.1"}, 1, logger.Nop())
	t.Cleanup(p.Close)

	handle := uffd.NewFake()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const base = 4096 * 3
	fetchAndInstall(ctx, p, handle, base, logger.Nop())

	require.True(t, handle.IsZeroed(base), "unreachable node must fall back to a zero-filled unblock")
}
