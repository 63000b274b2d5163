package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/vaultwatch/service/app"
	"github.com/brojonat/vaultwatch/service/config"
	"github.com/brojonat/vaultwatch/service/logging"
	"github.com/brojonat/vaultwatch/service/monitor"
	"github.com/brojonat/vaultwatch/service/server"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	logger.Info("starting monitor",
		"group", cfg.GroupAddress.String(),
		"program", cfg.ProgramID.String(),
		"poll_interval", cfg.PollInterval,
		"log_level", cfg.LogLevel,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize monitor", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	driver := monitor.NewDriver(a.Cycle, a.Store, cfg.PollInterval, a.Metrics, logger)
	if err := driver.Init(ctx); err != nil {
		// The poll loop retries Init while the cursor is unset.
		logger.Warn("failed to resolve starting cursor, retrying on next tick", "error", err)
	}

	opts := server.Options{
		Address:  cfg.GroupAddress.String(),
		Status:   driver,
		Gatherer: a.Registry,
	}
	if cfg.NATSURL != "" {
		streamer, err := server.NewEventStreamer(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to create event streamer", "error", err)
			os.Exit(1)
		}
		opts.Streamer = streamer
	}
	httpServer := server.New(cfg.ServerAddr, opts, a.Metrics, logger)

	logger.Info("monitor initialized, all dependencies ready",
		"cursor", driver.Cursor().String(),
		"cursor_store", cfg.CursorStore,
		"threshold_usd", a.Evaluator.Threshold().String(),
		"alerting_enabled", cfg.AlertingEnabled(),
		"webhook_enabled", cfg.WebhookURL != "",
		"nats_url", cfg.NATSURL,
	)

	// Start HTTP server and poll loop in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	driverDone := make(chan error, 1)
	go func() {
		driverDone <- driver.Run(ctx)
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		exitCode = 1
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	// Stop polling first so the final cursor is persisted before the store closes
	cancel()
	<-driverDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server gracefully", "error", err)
		exitCode = 1
	}

	status := driver.Status()
	logger.Info("monitor shutdown complete",
		"cursor", status.Cursor,
		"cycles", status.Cycles,
		"alerts", status.Alerts,
	)

	if exitCode != 0 {
		a.Close()
		os.Exit(exitCode)
	}
}
