// Package main is the entry point for the reconciliation engine.
// The service attributes broker exits to position lots, reconciles
// holdings variances, runs the manual attribution case workflow and
// arbitrates order-placement authority between operators and scripts.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/reconciler/internal/config"
	"github.com/aristath/reconciler/internal/di"
	"github.com/aristath/reconciler/internal/server"
	"github.com/aristath/reconciler/pkg/logger"
)

// main orchestrates startup and shutdown:
// 1. Loads configuration from environment variables (.env supported)
// 2. Initializes logging
// 3. Wires the ledger database, repositories, services and jobs
// 4. Starts the HTTP server and the maintenance scheduler
// 5. Waits for a shutdown signal and stops everything in reverse order
func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().
		Str("data_dir", cfg.DataDir).
		Str("directory_url", cfg.Downstream.DirectoryURL).
		Str("script_service_url", cfg.Downstream.ScriptServiceURL).
		Msg("Starting reconciler")

	container, jobs, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	// Closing the ledger writes the final WAL checkpoint
	defer container.Close()

	srv := server.New(server.Config{
		Log:       log,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
		Container: container,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Sweep cases that expired while the service was down
	if err := container.Scheduler.RunNow(jobs.ExpireStaleCases); err != nil {
		log.Warn().Err(err).Msg("Initial case expiry sweep failed")
	}
	container.Scheduler.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	container.Scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
