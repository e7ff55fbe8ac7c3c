// Package client wires together the mode detector, fault handle,
// connection pool, and worker pool into the single initialised-once
// context value the design notes in SPEC_FULL.md section 9 call for,
// instead of free-standing package-level globals.
package client

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/vmshard/dsm-uffd/internal/client/mode"
	"github.com/vmshard/dsm-uffd/internal/client/pool"
	"github.com/vmshard/dsm-uffd/internal/client/uffd"
	"github.com/vmshard/dsm-uffd/internal/client/worker"
	"github.com/vmshard/dsm-uffd/internal/config"
)

// Client is the one process-wide DSM context: its Mode, and — only when
// Mode is UserFaultMode — the fault handle, connection pool, and worker
// pool built around it.
type Client struct {
	Mode mode.Mode

	handle  uffd.FaultHandle
	conns   *pool.Pool
	workers *worker.Pool

	log *zap.Logger
}

// Bootstrap implements spec section 4.1: probe for the kernel module
// first (either sentinel sufficient); if absent, try to open the fault
// handle and negotiate its API. Never returns an error for a failed
// fault-handle open — that degrades to Disabled, per the spec's error
// table (section 7): "Kernel fault-handle open fails: disable
// subsystem; VMM proceeds without DSM."
func Bootstrap(cfg config.ClientConfig, log *zap.Logger) (*Client, error) {
	sentinels := mode.Sentinels{A: cfg.UffdModulePathA, B: cfg.UffdModulePathB}

	if mode.KernelModulePresent(sentinels) {
		log.Info("kernel DSM module present, user-mode fallback disabled")
		return &Client{Mode: mode.KernelModule, log: log}, nil
	}

	// Broken-pipe signals from disconnected peers are ignored globally
	// so that a failed send yields an error return instead of
	// terminating the process (spec section 4.1).
	signal.Ignore(syscall.SIGPIPE)

	handle, err := uffd.OpenPlatformHandle()
	if err != nil {
		log.Warn("failed to open fault handle, continuing without DSM", zap.Error(err))
		return &Client{Mode: mode.Disabled, log: log}, nil
	}

	nodes, err := config.LoadNodes(cfg.NodeConfPath)
	if err != nil {
		handle.Close()
		return nil, err
	}

	conns := pool.New(nodes, log)
	workers := worker.New(handle, conns, log, cfg.WorkerThreads)

	log.Info("DSM user-fault mode active",
		zap.Int("node_count", len(nodes)),
		zap.Int("workers", cfg.WorkerThreads),
	)

	return &Client{
		Mode:    mode.UserFaultMode,
		handle:  handle,
		conns:   conns,
		workers: workers,
		log:     log,
	}, nil
}

// Register implements spec section 4.2: a no-op unless Mode is
// UserFaultMode, otherwise asks the kernel to notify on MISSING faults
// within [ptr, ptr+size). Errors are logged, not fatal.
func (c *Client) Register(ptr uint64, size uint64) {
	if c.Mode != mode.UserFaultMode {
		return
	}

	if err := c.handle.Register(ptr, size, uffd.ModeMissing); err != nil {
		c.log.Warn("register failed for RAM region, it will not trigger faults",
			zap.Uint64("ptr", ptr), zap.Uint64("size", size), zap.Error(err))
	}
}

// Run starts the worker pool (a no-op, blocking only on ctx, outside
// UserFaultMode) and blocks until ctx is cancelled or a worker fails.
func (c *Client) Run(ctx context.Context) error {
	if c.Mode != mode.UserFaultMode {
		<-ctx.Done()
		return nil
	}

	return c.workers.Run(ctx)
}

// Close releases the fault handle and connection pool, if any were
// opened.
func (c *Client) Close() error {
	if c.conns != nil {
		c.conns.Close()
	}
	if c.handle != nil {
		return c.handle.Close()
	}
	return nil
}
