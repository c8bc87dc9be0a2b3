package state

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// requiredIndexes back the repository's lookups. The slug index is the
// only guard against two deployments sharing an app directory.
var requiredIndexes = []struct {
	model interface{}
	name  string
}{
	{&Deployment{}, "idx_deployments_slug"},
	{&Deployment{}, "idx_repo_branch"},
	{&Deployment{}, "idx_deployments_status"},
	{&DeploymentLog{}, "idx_logs_deployment"},
}

// AllModels lists every persisted model in migration order
func AllModels() []interface{} {
	return []interface{}{
		&Instance{},
		&Deployment{},
		&DeploymentLog{},
	}
}

// Migrate creates or updates the instance, deployment and log tables and
// checks that their indexes are in place
func Migrate(db *gorm.DB) error {
	log.Info().Msg("Running database migrations...")

	models := AllModels()
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	migrator := db.Migrator()
	for _, idx := range requiredIndexes {
		if !migrator.HasIndex(idx.model, idx.name) {
			return fmt.Errorf("failed to run migrations: index %s is missing", idx.name)
		}
	}

	log.Info().
		Int("models", len(models)).
		Int("indexes", len(requiredIndexes)).
		Msg("Database migrations completed successfully")
	return nil
}
