// Package logger builds the single zap.Logger every component of the DSM
// subsystem is constructed with. There is no package-level singleton used
// during normal operation; New is called once at process start and the
// result threaded through explicitly, per the one-shot, no-teardown
// global-state design note in SPEC_FULL.md section 9.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls level and encoding of the process logger.
type Config struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to "info"
	// on an unrecognised or empty value.
	Level string

	// Development enables human-readable console encoding instead of
	// JSON. The cmd/* binaries leave it unset and log JSON.
	Development bool
}

// New builds a *zap.Logger from Config.
func New(cfg Config) (*zap.Logger, error) {
	level := parseLevel(cfg.Level)

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	l, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logger: building zap logger: %w", err)
	}

	return l, nil
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Nop returns a logger that discards everything, for tests that don't
// want to assert on log output.
func Nop() *zap.Logger {
	return zap.NewNop()
}
