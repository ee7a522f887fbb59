// Package main is the entry point for the data processing service. It
// runs the queue workers that decrypt uploaded sensor chunks, send
// push notifications and hand chunks to analytics, plus the periodic
// dispatcher and the HTTP operator surface.
//
// Startup sequence:
// 1. Load configuration from environment variables
// 2. Initialize logging
// 3. Wire dependencies (databases, object store, pipeline, queue backend)
// 4. Start the queue workers (broker mode only)
// 5. Start the dispatch scheduler
// 6. Start the HTTP server
// 7. Wait for a shutdown signal and drain gracefully
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reyvababtista/beiwe-backend-fork/internal/config"
	"github.com/reyvababtista/beiwe-backend-fork/internal/di"
	"github.com/reyvababtista/beiwe-backend-fork/internal/dispatch"
	"github.com/reyvababtista/beiwe-backend-fork/internal/server"
	"github.com/reyvababtista/beiwe-backend-fork/internal/tasks"
	"github.com/reyvababtista/beiwe-backend-fork/internal/worker"
	"github.com/reyvababtista/beiwe-backend-fork/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting processor")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container, err := di.Wire(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	// Workers only exist in broker mode. With the inline backend every
	// enqueue executes synchronously in the enqueueing goroutine, so
	// there is nothing to pull.
	var workers []*worker.Worker
	if container.Broker != nil {
		workers = []*worker.Worker{
			worker.New(tasks.QueueDataProcessing, cfg.Queues.DataWorkers, container.Broker, container.Registry, cfg.Queues, log),
			worker.New(tasks.QueuePushNotifications, cfg.Queues.NotifyWorkers, container.Broker, container.Registry, cfg.Queues, log),
			worker.New(tasks.QueueAnalytics, cfg.Queues.AnalyticsWorkers, container.Broker, container.Registry, cfg.Queues, log),
		}
		for _, w := range workers {
			w.Start(ctx)
		}
	}

	scheduler := dispatch.NewScheduler(container.Dispatcher, log)
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	srv := server.New(server.Config{
		Log:      log,
		Port:     cfg.Port,
		DevMode:  cfg.DevMode,
		StudyDB:  container.StudyDB,
		BrokerDB: container.BrokerDB,
		Store:    container.Store,
		Broker:   container.Broker,
		Queues:   server.DefaultQueues(),
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Processor started")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	// Stop accepting HTTP requests, stop scheduling passes, then let
	// the workers finish their in-flight tasks.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}

	scheduler.Stop()
	cancel()
	for _, w := range workers {
		w.Wait()
	}

	log.Info().Msg("Processor stopped")
}
