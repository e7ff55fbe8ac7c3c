// Command dsm-server runs the memory provider described in
// SPEC_FULL.md section 4.6-4.7: it mmaps a backing image read-only and
// answers page requests over TCP on the fixed DSM port.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/vmshard/dsm-uffd/internal/config"
	"github.com/vmshard/dsm-uffd/internal/logger"
	"github.com/vmshard/dsm-uffd/internal/server/image"
	"github.com/vmshard/dsm-uffd/internal/server/listener"
)

func run() int {
	cfg, err := config.ParseServer()
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

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	img, err := image.Open(cfg.BackingImagePath, log)
	if err != nil {
		log.Error("failed to open backing image", zap.Error(err))
		return 1
	}
	defer img.Close()

	ln, err := listener.New(ctx, cfg.ListenPort, img, log)
	if err != nil {
		log.Error("failed to start listener", zap.Error(err))
		return 1
	}
	defer ln.Close()

	log.Info("dsm-server ready", zap.Uint16("port", cfg.ListenPort), zap.String("image", cfg.BackingImagePath))

	if err := ln.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server loop exited with error", zap.Error(err))
		return 1
	}

	log.Info("dsm-server shut down")
	return 0
}

func main() {
	os.Exit(run())
}
