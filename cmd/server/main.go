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

// Runs the API and the worker in one process
func main() {
	logger := app.NewLogger("info")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	app.SetLogLevel(cfg.Server.LogLevel)

	log.Info().
		Str("app", "instance-deployer").
		Str("version", version).
		Str("port", cfg.Server.Port).
		Msg("Starting application")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize runtime")
	}
	defer rt.Close()

	hub := progress.NewHub()
	httpServer := rt.HTTPServer(rt.APIServer(hub, version).Handler())
	worker := rt.Worker()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.ForwardProgress(gctx, hub)
	})
	g.Go(func() error {
		return worker.Start(gctx)
	})
	g.Go(func() error {
		return app.Serve(gctx, httpServer, cfg.Worker.ShutdownTimeout, logger)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
		return
	}
	log.Info().Msg("Server exited gracefully")
}
