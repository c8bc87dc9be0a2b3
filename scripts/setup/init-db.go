package main

import (
	"github.com/rs/zerolog/log"

	"github.com/alvesdmateus/instance-deployer/internal/app"
	"github.com/alvesdmateus/instance-deployer/internal/state"
	"github.com/alvesdmateus/instance-deployer/pkg/config"
	"github.com/alvesdmateus/instance-deployer/pkg/database"
)

func main() {
	app.NewLogger("info")

	log.Info().Msg("Starting database initialization...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	db, err := database.New(app.DatabaseConfig(cfg.Database))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}

	if err := state.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	if err := database.Close(db); err != nil {
		log.Error().Err(err).Msg("Failed to close database connection")
	}

	log.Info().
		Str("driver", cfg.Database.Driver).
		Int("tables", len(state.AllModels())).
		Msg("Database initialized successfully")
}
