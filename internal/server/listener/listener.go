// Package listener implements the server's TCP acceptor (spec section
// 4.6): a listening socket with address/port reuse so several server
// processes can share the same port, handing each accepted connection
// off to a per-connection handler.
//
// The spec describes a single-threaded, edge-triggered epoll reactor.
// This implementation uses Go's runtime network poller instead — one
// goroutine per accepted connection — which is the idiomatic Go
// equivalent of that reactor (the runtime already multiplexes every
// socket over epoll under the hood) while preserving the same
// observable behaviour: one logical handler per connection, no
// head-of-line blocking between connections, and the stall policy from
// spec section 4.7 bounding how long a single slow connection is kept
// open. See DESIGN.md for the full rationale.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/vmshard/dsm-uffd/internal/protocol"
	"github.com/vmshard/dsm-uffd/internal/server/conn"
	"github.com/vmshard/dsm-uffd/internal/server/image"
	"github.com/vmshard/dsm-uffd/internal/server/metrics"
)

// Listener accepts connections on the fixed DSM port and serves each
// with a conn.Handler.
type Listener struct {
	ln   net.Listener
	img  *image.Image
	hist *metrics.Histogram
	log  *zap.Logger
}

// New binds a listening socket on port (spec section 6: 9999, not
// configurable in the core, but left overridable for tests) with
// SO_REUSEADDR and SO_REUSEPORT set so multiple server processes can
// share it.
func New(ctx context.Context, port uint16, img *image.Image, log *zap.Logger) (*Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if sockErr != nil {
					return
				}
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	addr := fmt.Sprintf(":%d", port)
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listener: listen on %q: %w", addr, err)
	}

	log.Info("listening", zap.String("addr", addr))

	return &Listener{ln: ln, img: img, hist: metrics.New(img.Size()), log: log}, nil
}

// Histogram returns the listener's per-region request histogram.
func (l *Listener) Histogram() *metrics.Histogram {
	return l.hist
}

// NewDefault binds the spec's fixed port (protocol.Port).
func NewDefault(ctx context.Context, img *image.Image, log *zap.Logger) (*Listener, error) {
	return New(ctx, protocol.Port, img, log)
}

// Addr returns the bound local address (useful in tests that bind :0).
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed, handing each one to a new conn.Handler goroutine. On accept
// error it logs and continues, per spec section 7's "server accept
// error (non-EAGAIN): log, continue accepting".
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	for {
		c, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			l.log.Error("accept failed, continuing", zap.Error(err))
			continue
		}

		if tcpConn, ok := c.(*net.TCPConn); ok {
			if err := tcpConn.SetNoDelay(true); err != nil {
				l.log.Warn("failed to set TCP_NODELAY on accepted connection", zap.Error(err))
			}
		}

		h := conn.NewWithMetrics(c, l.img, l.hist, l.log)
		go h.Serve(ctx)
	}
}

// Close closes the listening socket.
func (l *Listener) Close() error {
	return l.ln.Close()
}
