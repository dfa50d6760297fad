// Package interfaces defines the service and storage contracts shared
// across packages.
package interfaces

import (
	"context"

	"github.com/ternarybob/migro/internal/models"
)

// ConfigStorage persists migration configurations.
type ConfigStorage interface {
	Get(ctx context.Context, id string) (*models.MigrationConfig, error)
	List(ctx context.Context) ([]models.MigrationConfig, error)
	Upsert(ctx context.Context, config *models.MigrationConfig) error
	Delete(ctx context.Context, id string) error
}

// ValidationStorage persists last-used validation parameters per config.
type ValidationStorage interface {
	GetParams(ctx context.Context, configID string) (*models.ValidationParams, error)
	SaveParams(ctx context.Context, params *models.ValidationParams) error
}

// StorageManager aggregates the storage interfaces over one database.
type StorageManager interface {
	ConfigStorage() ConfigStorage
	ValidationStorage() ValidationStorage
	LoadConfigsFromFiles(ctx context.Context, dirPath string) error
	Close() error
}
