// Package main starts the offsyncd process lifecycle.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	offsyncdcmd "github.com/louisbranch/offsync/internal/cmd/offsyncd"
	"github.com/louisbranch/offsync/internal/platform/config"
	"github.com/louisbranch/offsync/internal/platform/logging"
)

func main() {
	cfg, err := offsyncdcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		config.Exitf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := offsyncdcmd.Run(ctx, cfg, logger.Named("offsyncd")); err != nil {
		logger.Error("failed to serve", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}
