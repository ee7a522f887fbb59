// Package main is the dispatch CLI. It runs a single dispatch pass for
// one cadence and exits; cron or a systemd timer drives it on hosts
// that do not run the long-lived processor.
//
// Usage:
//
//	dispatch five_minutes
//	dispatch hourly
//	dispatch daily
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/reyvababtista/beiwe-backend-fork/internal/config"
	"github.com/reyvababtista/beiwe-backend-fork/internal/di"
	"github.com/reyvababtista/beiwe-backend-fork/internal/dispatch"
	"github.com/reyvababtista/beiwe-backend-fork/pkg/logger"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: dispatch <five_minutes|hourly|daily>")
		os.Exit(2)
	}
	cadence := os.Args[1]

	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Minute)
	defer cancel()

	container, err := di.Wire(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	stats, err := container.Dispatcher.Run(ctx, cadence)
	if errors.Is(err, dispatch.ErrLockHeld) {
		log.Warn().Str("cadence", cadence).Msg("Dispatch pass refused: lock held by another instance")
		container.Close()
		os.Exit(1)
	}
	if err != nil {
		log.Error().Err(err).Str("cadence", cadence).Msg("Dispatch pass failed")
		container.Close()
		os.Exit(1)
	}

	log.Info().
		Str("cadence", cadence).
		Int("claimed", stats.Claimed).
		Int("enqueued", stats.Enqueued).
		Int("failed_studies", stats.FailedStudies).
		Msg("Dispatch pass finished")
}
