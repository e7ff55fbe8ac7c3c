package conn

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vmshard/dsm-uffd/internal/logger"
	"github.com/vmshard/dsm-uffd/internal/protocol"
	"github.com/vmshard/dsm-uffd/internal/server/image"
)

func testImage(t *testing.T, size int64) *image.Image {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "ram.img")

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 256)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))

	img, err := image.Open(path, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { img.Close() })

	return img
}

func serveOneConn(t *testing.T, img *image.Image) net.Conn {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	server := <-accepted

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := New(server, img, logger.Nop())
	go h.Serve(ctx)

	return client
}

func TestRequestResponseFraming(t *testing.T) {
	img := testImage(t, 1<<20)
	client := serveOneConn(t, img)

	req := protocol.EncodeRequest(0)
	_, err := client.Write(req[:])
	require.NoError(t, err)

	resp := make([]byte, protocol.ResponseSize)
	_, err = io.ReadFull(client, resp)
	require.NoError(t, err)

	require.Equal(t, img.Slice(0), resp)
}

func TestMultipleRequestsOnSameConnection(t *testing.T) {
	img := testImage(t, 4<<20)
	client := serveOneConn(t, img)

	for _, base := range []uint64{0, protocol.PageSize, 10 * protocol.PageSize} {
		req := protocol.EncodeRequest(base)
		_, err := client.Write(req[:])
		require.NoError(t, err)

		resp := make([]byte, protocol.ResponseSize)
		_, err = io.ReadFull(client, resp)
		require.NoError(t, err)

		require.Equal(t, img.Slice(base), resp)
	}
}

// TestStalledConnectionClosedAfterStallBound is property 6 from spec
// section 8: a connection that never drains its receive window is closed
// after at most stallBound of continuous backpressure. net.Pipe is used
// instead of a real socket because its Write blocks exactly until the
// peer reads, giving a deterministic stall instead of depending on
// kernel socket buffer sizes.
func TestStalledConnectionClosedAfterStallBound(t *testing.T) {
	img := testImage(t, 1<<20)

	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := New(server, img, logger.Nop())
	serveDone := make(chan struct{})
	go func() {
		h.Serve(ctx)
		close(serveDone)
	}()

	req := protocol.EncodeRequest(0)
	require.NoError(t, client.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err := client.Write(req[:])
	require.NoError(t, err)

	// Never read the response, so the server's send backs up immediately.
	start := time.Now()
	select {
	case <-serveDone:
	case <-time.After(7 * time.Second):
		t.Fatal("server did not close a stalled connection within the stall bound")
	}
	elapsed := time.Since(start)

	require.GreaterOrEqual(t, elapsed, 4*time.Second, "connection was closed earlier than the stall bound")
	require.Less(t, elapsed, 7*time.Second, "connection outlived the stall bound")
}

// TestStallDoesNotAffectOtherConnections is the second half of property 6:
// a stalled connection must not block progress on any other connection,
// since each is served by its own goroutine.
func TestStallDoesNotAffectOtherConnections(t *testing.T) {
	img := testImage(t, 1<<20)

	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := New(server, img, logger.Nop())
	go h.Serve(ctx)

	stalledReq := protocol.EncodeRequest(0)
	require.NoError(t, client.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err := client.Write(stalledReq[:])
	require.NoError(t, err)
	// Intentionally never read the response on this connection.

	// A second, well-behaved connection must still complete promptly.
	other := serveOneConn(t, img)

	req := protocol.EncodeRequest(0)
	_, err = other.Write(req[:])
	require.NoError(t, err)

	resp := make([]byte, protocol.ResponseSize)
	require.NoError(t, other.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(other, resp)
	require.NoError(t, err)
	require.Equal(t, img.Slice(0), resp)
}

func TestMalformedRequestClosesConnection(t *testing.T) {
	img := testImage(t, 1<<20)
	client := serveOneConn(t, img)

	// Send fewer than 8 bytes and then close our write side; the
	// handler should give up on the short read and close.
	_, err := client.Write([]byte{1, 2, 3})
	require.NoError(t, err)

	if tc, ok := client.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1)
	_, err = client.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}
