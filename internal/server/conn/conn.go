// Package conn implements the per-connection request handler described
// in SPEC_FULL.md section 4.7: read an 8-byte request, stream back
// PREFETCH*PAGE_SIZE bytes from the backing image, repeat until the
// peer closes or a stall exceeds the bound.
package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vmshard/dsm-uffd/internal/protocol"
	"github.com/vmshard/dsm-uffd/internal/server/image"
	"github.com/vmshard/dsm-uffd/internal/server/metrics"
)

// stallBound is the maximum time a single response write may remain
// blocked on backpressure before the connection is closed (spec section
// 4.7 step 4).
const stallBound = 5 * time.Second

// readIdleTimeout bounds how long Serve waits for the next request
// header; this is the idiomatic-Go translation of the spec's "would
// block waiting for next readiness event" nonblocking-read behaviour —
// it does not close the connection, Serve simply loops and checks for
// shutdown.
const readIdleTimeout = 30 * time.Second

// Handler serves one accepted connection.
type Handler struct {
	conn net.Conn
	img  *image.Image
	hist *metrics.Histogram
	log  *zap.Logger
	id   uuid.UUID
}

// New builds a Handler for an accepted connection. hist may be nil.
func New(c net.Conn, img *image.Image, log *zap.Logger) *Handler {
	return NewWithMetrics(c, img, nil, log)
}

// NewWithMetrics builds a Handler that also records per-region request
// counts in hist.
func NewWithMetrics(c net.Conn, img *image.Image, hist *metrics.Histogram, log *zap.Logger) *Handler {
	id := uuid.New()
	return &Handler{
		conn: c,
		img:  img,
		hist: hist,
		log:  log.With(zap.String("conn_id", id.String())),
		id:   id,
	}
}

// Serve loops reading requests and streaming responses until the peer
// closes the connection, a protocol violation occurs, or a send stalls
// past stallBound. It always closes the connection before returning.
func (h *Handler) Serve(ctx context.Context) {
	defer h.conn.Close()

	req := make([]byte, protocol.RequestSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := h.conn.SetReadDeadline(time.Now().Add(readIdleTimeout)); err != nil {
			h.log.Error("failed to set read deadline", zap.Error(err))
			return
		}

		if _, err := io.ReadFull(h.conn, req); err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				// No request within the idle window; loop and wait
				// for the next readiness event rather than closing —
				// spec section 4.7 step 1's "short read or EAGAIN
				// breaks out to wait for the next readiness event".
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				h.log.Debug("peer closed connection")
				return
			}
			h.log.Warn("malformed request, closing connection", zap.Error(err))
			return
		}

		base, err := protocol.DecodeRequest(req)
		if err != nil {
			h.log.Warn("protocol violation, closing connection", zap.Error(err))
			return
		}

		data := h.img.Slice(base)
		if h.hist != nil {
			h.hist.Record(base)
		}

		if err := h.sendResponse(data); err != nil {
			h.log.Warn("closing connection after send failure", zap.Uint64("base", base), zap.Error(err))
			return
		}
	}
}

// sendResponse streams data to the peer with the spec section 4.7
// stall policy: the whole response must complete within stallBound of
// backpressure, or the connection is closed. A successful send resets
// the bound for the next request's send.
func (h *Handler) sendResponse(data []byte) error {
	if err := h.conn.SetWriteDeadline(time.Now().Add(stallBound)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	if _, err := h.conn.Write(data); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return fmt.Errorf("send stalled past %s: %w", stallBound, err)
		}
		return fmt.Errorf("send error: %w", err)
	}

	return nil
}
