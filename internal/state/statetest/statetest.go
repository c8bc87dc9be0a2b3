// Package statetest opens throwaway sqlite-backed repositories for tests.
package statetest

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/alvesdmateus/instance-deployer/internal/state"
	"github.com/alvesdmateus/instance-deployer/pkg/database"
)

// NewDB returns a migrated in-memory database private to t
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := database.New(database.Config{
		Driver:       "sqlite",
		Path:         "file:" + uuid.NewString() + "?mode=memory&cache=shared&_foreign_keys=on",
		MaxOpenConns: 1,
	})
	require.NoError(t, err, "open sqlite")
	require.NoError(t, state.Migrate(db), "migrate")

	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

// NewRepository returns a repository over NewDB
func NewRepository(t *testing.T) *state.Repository {
	t.Helper()
	return state.NewRepository(NewDB(t))
}
