package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/alvesdmateus/instance-deployer/internal/app"
	"github.com/alvesdmateus/instance-deployer/pkg/config"
)

func main() {
	logger := app.NewLogger("info")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	app.SetLogLevel(cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize runtime")
	}
	defer rt.Close()

	worker := rt.Worker()

	logger.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Dur("poll_interval", cfg.Worker.PollInterval).
		Str("default_region", cfg.Provisioner.DefaultRegion).
		Msg("Worker configured")

	if err := worker.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Worker stopped with error")
		return
	}
	log.Info().Msg("Worker shut down gracefully")
}
