// Command dsm-client is a standalone harness for the page-fault
// handler described in SPEC_FULL.md section 4: in production this
// subsystem is embedded directly in the VMM process (spec section 1),
// which calls Bootstrap, Register, and Run itself. This binary exists
// so the fallback can be exercised and its logs inspected outside a
// real VMM, registering one RAM region given on the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/vmshard/dsm-uffd/internal/client"
	"github.com/vmshard/dsm-uffd/internal/config"
	"github.com/vmshard/dsm-uffd/internal/logger"
)

func run() int {
	var (
		ramBase uint64
		ramSize uint64
	)
	flag.Uint64Var(&ramBase, "ram-base", 0, "guest RAM region base address to register")
	flag.Uint64Var(&ramSize, "ram-size", 0, "guest RAM region size in bytes to register (0 disables registration)")
	flag.Parse()

	cfg, err := config.ParseClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		return 1
	}
	defer log.Sync()

	c, err := client.Bootstrap(cfg, log)
	if err != nil {
		log.Error("bootstrap failed", zap.Error(err))
		return 1
	}
	defer c.Close()

	log.Info("dsm-client mode resolved", zap.Stringer("mode", c.Mode))

	if ramSize > 0 {
		c.Register(ramBase, ramSize)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := c.Run(ctx); err != nil {
		log.Error("worker pool exited with error", zap.Error(err))
		return 1
	}

	log.Info("dsm-client shut down")
	return 0
}

func main() {
	os.Exit(run())
}
