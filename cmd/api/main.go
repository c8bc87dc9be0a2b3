package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/alvesdmateus/instance-deployer/internal/app"
	"github.com/alvesdmateus/instance-deployer/internal/progress"
	"github.com/alvesdmateus/instance-deployer/pkg/config"
)

var version = "dev"

func main() {
	logger := app.NewLogger("info")
	logger.Info().Str("version", version).Msg("Starting instance-deployer API server")

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

	hub := progress.NewHub()
	server := rt.APIServer(hub, version)
	httpServer := rt.HTTPServer(server.Handler())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.ForwardProgress(gctx, hub)
	})
	g.Go(func() error {
		return app.Serve(gctx, httpServer, cfg.Worker.ShutdownTimeout, logger)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("API server stopped with error")
		return
	}
	log.Info().Msg("Server exited gracefully")
}
