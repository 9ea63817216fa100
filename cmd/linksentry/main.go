// The linksentry executable runs the outbound-link verification service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/linksentry/linksentry/internal/config"
	"github.com/linksentry/linksentry/internal/logging"
	"github.com/linksentry/linksentry/internal/server"
)

func main() {
	var cfgFile string
	flag.StringVar(&cfgFile, "config", "", "path to config file")
	flag.Parse()

	if err := run(cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "linksentry: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgFile string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	logger.Info("linksentry starting",
		zap.Int("port", cfg.Server.Port),
		zap.Int("workers", cfg.Worker.Concurrency))
	return app.Run(ctx)
}
