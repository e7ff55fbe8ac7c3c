// Package worker implements the fixed pool of fault-handling threads
// described in SPEC_FULL.md section 4.4: each worker polls the fault
// handle, reads a batch of events, and for every page-fault event runs
// the per-fault RPC (rpc.go) that fetches and installs the faulting
// page plus its prefetch window.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vmshard/dsm-uffd/internal/client/pool"
	"github.com/vmshard/dsm-uffd/internal/client/uffd"
	"github.com/vmshard/dsm-uffd/internal/protocol"
)

const (
	// BatchSize is the maximum number of fault events read per call,
	// per spec section 4.4 step 3 and section 6's tunables.
	BatchSize = 64

	pollTimeout = 2 * time.Second
)

// Pool runs a fixed number of worker goroutines against a shared fault
// handle and connection pool.
type Pool struct {
	handle  uffd.FaultHandle
	conns   *pool.Pool
	log     *zap.Logger
	workers int
}

// New builds a worker Pool. workers should be in [8, 64] per spec
// section 5.
func New(handle uffd.FaultHandle, conns *pool.Pool, log *zap.Logger, workers int) *Pool {
	if workers <= 0 {
		workers = 8
	}
	return &Pool{handle: handle, conns: conns, log: log, workers: workers}
}

// Run starts all workers and blocks until ctx is cancelled or a worker
// returns an unrecoverable error. ctx cancellation stops workers from
// picking up new batches and cuts short a connect attempt or retry
// backoff already in progress (that fault then takes the unblock path);
// a request already sent is bounded only by the socket deadline.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.workers; i++ {
		workerID := i
		g.Go(func() error {
			return p.runOne(ctx, workerID)
		})
	}

	return g.Wait()
}

func (p *Pool) runOne(ctx context.Context, id int) error {
	log := p.log.With(zap.Int("worker", id))

	if err := raisePriority(); err != nil {
		// Best-effort; a worker that can't raise its scheduling
		// class still runs, just without the priority boost (spec
		// section 4.4 step 1, section 9 design note).
		log.Warn("failed to raise scheduling priority", zap.Error(err))
	}

	events := make([]uffd.FaultEvent, BatchSize)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ready, err := p.handle.Poll(pollTimeout)
		if err != nil {
			log.Error("poll on fault handle failed", zap.Error(err))
			continue
		}
		if !ready {
			// Benign timeout; retry (spec section 4.4 step 2).
			continue
		}

		n, err := p.handle.ReadEvents(events)
		if err != nil {
			log.Error("reading fault events failed", zap.Error(err))
			continue
		}

		for i := 0; i < n; i++ {
			event := events[i]
			if event.Kind&uffd.PageFault == 0 {
				continue
			}

			base := protocol.AlignDown(event.Address)
			fetchAndInstall(ctx, p.conns, p.handle, base, log)
		}
	}
}
