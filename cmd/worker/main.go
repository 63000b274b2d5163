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
	"github.com/brojonat/vaultwatch/service/server"
	"github.com/brojonat/vaultwatch/service/temporal"
)

func main() {
	// Load and validate configuration from environment
	cfg := config.MustLoad()

	// Setup structured logging
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	logger.Info("starting temporal worker",
		"temporal_host", cfg.TemporalHost,
		"namespace", cfg.TemporalNamespace,
		"task_queue", cfg.TemporalTaskQueue,
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

	// Initialize Temporal client for starting and querying the workflow
	temporalClient, err := temporal.NewClient(
		cfg.TemporalHost,
		cfg.TemporalNamespace,
		cfg.TemporalTaskQueue,
		logger,
	)
	if err != nil {
		logger.Error("failed to create temporal client", "error", err)
		os.Exit(1)
	}
	defer temporalClient.Close()

	// Initialize Temporal worker
	worker, err := temporal.NewWorker(temporal.WorkerConfig{
		TemporalHost:      cfg.TemporalHost,
		TemporalNamespace: cfg.TemporalNamespace,
		TaskQueue:         cfg.TemporalTaskQueue,
		Cycle:             a.Cycle,
		Store:             a.Store,
		Metrics:           a.Metrics,
		Logger:            logger,
	})
	if err != nil {
		logger.Error("failed to create temporal worker", "error", err)
		os.Exit(1)
	}

	// Status server: health follows the workflow, not an in-process driver
	httpServer := server.New(cfg.ServerAddr, server.Options{
		Address:  cfg.GroupAddress.String(),
		Workflow: temporalClient,
		Gatherer: a.Registry,
	}, a.Metrics, logger)

	// Start worker in background
	workerErrors := make(chan error, 1)
	go func() {
		logger.Info("starting temporal worker")
		workerErrors <- worker.Start()
	}()

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	runID, err := temporalClient.StartMonitor(ctx, cfg.GroupAddress.String(), cfg.PollInterval, cfg.CyclesPerRun)
	if err != nil {
		logger.Error("failed to start monitor workflow", "error", err)
		worker.Stop()
		os.Exit(1)
	}

	logger.Info("temporal worker initialized, all dependencies ready",
		"workflow_id", temporal.WorkflowID(cfg.GroupAddress.String()),
		"run_id", runID,
		"cycles_per_run", cfg.CyclesPerRun,
	)

	// Wait for shutdown signal or worker error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-workerErrors:
		// Run returns nil when the worker itself caught the interrupt
		if err != nil {
			logger.Error("temporal worker error", "error", err)
			os.Exit(1)
		}
		logger.Info("temporal worker stopped")
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		worker.Stop()
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// The workflow keeps running in Temporal and resumes when a worker returns
		logger.Info("stopping temporal worker")
		worker.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
		}

		logger.Info("shutdown complete")
	}
}
