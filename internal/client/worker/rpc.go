package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/vmshard/dsm-uffd/internal/client/pool"
	"github.com/vmshard/dsm-uffd/internal/client/uffd"
	"github.com/vmshard/dsm-uffd/internal/protocol"
)

const (
	maxConnectAttempts = 5
	connectBackoffUnit = time.Millisecond
)

// errUnreachable is returned by acquireWithRetry when a node's retry
// budget is exhausted (or it was already known-down).
var errUnreachable = errors.New("worker: node unreachable")

// acquireWithRetry implements spec section 4.4 step 4: up to 5 attempts
// to acquire a connection to nodeIdx, linear backoff of 1ms*attempt
// between attempts. A node the pool recently marked unreachable (see
// SPEC_FULL.md section 4.3) short-circuits straight to failure.
func acquireWithRetry(ctx context.Context, p *pool.Pool, nodeIdx int) (net.Conn, error) {
	if p.RecentlyUnreachable(nodeIdx) {
		return nil, errUnreachable
	}

	var lastErr error
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		conn, err := p.Acquire(ctx, nodeIdx)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if attempt < maxConnectAttempts {
			if err := sleepCtx(ctx, time.Duration(attempt)*connectBackoffUnit); err != nil {
				return nil, err
			}
		}
	}

	p.MarkUnreachable(nodeIdx)
	return nil, fmt.Errorf("%w: %v", errUnreachable, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fetchAndInstall executes the full per-fault RPC described in spec
// section 4.4 steps 4-8: acquire a connection (with retry), send the
// request, receive the PREFETCH-page response, release the node mutex,
// then install each page locally. If the node cannot be reached at all,
// it falls back to the unblock policy (section 4.5).
func fetchAndInstall(ctx context.Context, p *pool.Pool, handle uffd.FaultHandle, base uint64, log *zap.Logger) {
	nodeIdx := protocol.Owner(base, p.NodeCount())

	conn, err := acquireWithRetry(ctx, p, nodeIdx)
	if err != nil {
		log.Warn("node unreachable, applying unblock policy",
			zap.Int("node", nodeIdx), zap.Uint64("base", base), zap.Error(err))
		unblock(handle, base, log)
		return
	}

	if err := pool.SetIOTimeouts(conn); err != nil {
		log.Error("failed to set RPC deadline", zap.Int("node", nodeIdx), zap.Error(err))
		p.ReleaseBad(nodeIdx)
		return
	}

	req := protocol.EncodeRequest(base)
	n, err := conn.Write(req[:])
	if err != nil || n != len(req) {
		log.Warn("short or failed send, dropping connection; vCPU will re-fault",
			zap.Int("node", nodeIdx), zap.Uint64("base", base), zap.Error(err))
		p.ReleaseBad(nodeIdx)
		return
	}

	resp := make([]byte, protocol.ResponseSize)
	if _, err := io.ReadFull(conn, resp); err != nil {
		log.Warn("short, timed-out, or failed receive, dropping connection; vCPU will re-fault",
			zap.Int("node", nodeIdx), zap.Uint64("base", base), zap.Error(err))
		p.ReleaseBad(nodeIdx)
		return
	}

	// Release the node mutex before local page installation, so other
	// workers can use this node while this worker does purely local
	// work (spec section 4.4's rationale).
	p.ReleaseOK(nodeIdx)

	installPages(handle, base, resp, log)
}

// installPages implements spec section 4.4 step 8: copy each of the
// PREFETCH pages in, falling back to an explicit wake on EEXIST. At
// minimum the page at k=0 (the actual faulting page) must end up
// resolved.
func installPages(handle uffd.FaultHandle, base uint64, resp []byte, log *zap.Logger) {
	for k := 0; k < protocol.Prefetch; k++ {
		pageAddr := base + uint64(k)*protocol.PageSize
		page := resp[k*protocol.PageSize : (k+1)*protocol.PageSize]

		err := handle.Install(pageAddr, page)
		switch {
		case err == nil:
			continue
		case errors.Is(err, uffd.ErrAlreadyInstalled):
			if wakeErr := handle.Wake(pageAddr, protocol.PageSize); wakeErr != nil {
				log.Error("wake after EEXIST failed", zap.Uint64("addr", pageAddr), zap.Error(wakeErr))
			}
		default:
			if k == 0 {
				log.Error("failed to resolve the faulting page itself", zap.Uint64("addr", pageAddr), zap.Error(err))
			} else {
				log.Warn("failed to install prefetch page, skipping", zap.Uint64("addr", pageAddr), zap.Error(err))
			}
		}
	}
}

// unblock implements spec section 4.5: install a zero page so the vCPU
// never stalls forever. If another worker already resolved it (EEXIST),
// fall back to an explicit wake.
func unblock(handle uffd.FaultHandle, base uint64, log *zap.Logger) {
	err := handle.ZeroFill(base)
	switch {
	case err == nil:
		return
	case errors.Is(err, uffd.ErrAlreadyInstalled):
		if wakeErr := handle.Wake(base, protocol.PageSize); wakeErr != nil {
			log.Error("wake after unblock EEXIST failed", zap.Uint64("addr", base), zap.Error(wakeErr))
		}
	default:
		log.Error("unblock zero-fill failed", zap.Uint64("addr", base), zap.Error(err))
	}
}
