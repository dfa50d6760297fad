package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/migro/internal/interfaces"
	"github.com/ternarybob/migro/internal/models"
)

// ConfigStorage implements interfaces.ConfigStorage on Badger.
type ConfigStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewConfigStorage creates a new ConfigStorage instance.
func NewConfigStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ConfigStorage {
	return &ConfigStorage{
		db:     db,
		logger: logger,
	}
}

// Get retrieves a migration config by ID.
func (s *ConfigStorage) Get(ctx context.Context, id string) (*models.MigrationConfig, error) {
	var config models.MigrationConfig
	err := s.db.Store().Get(id, &config)
	if err == badgerhold.ErrNotFound {
		return nil, models.ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get config %s: %w", id, err)
	}
	return &config, nil
}

// List returns all migration configs sorted by ID.
func (s *ConfigStorage) List(ctx context.Context) ([]models.MigrationConfig, error) {
	var configs []models.MigrationConfig
	if err := s.db.Store().Find(&configs, nil); err != nil {
		return nil, fmt.Errorf("failed to list configs: %w", err)
	}
	sort.Slice(configs, func(i, j int) bool {
		return configs[i].ID < configs[j].ID
	})
	return configs, nil
}

// Upsert inserts or updates a migration config, preserving CreatedAt.
func (s *ConfigStorage) Upsert(ctx context.Context, config *models.MigrationConfig) error {
	now := time.Now()
	config.UpdatedAt = now

	var existing models.MigrationConfig
	err := s.db.Store().Get(config.ID, &existing)
	if err == nil {
		config.CreatedAt = existing.CreatedAt
	} else {
		config.CreatedAt = now
	}

	if err := s.db.Store().Upsert(config.ID, config); err != nil {
		return fmt.Errorf("failed to upsert config %s: %w", config.ID, err)
	}
	return nil
}

// Delete removes a migration config.
func (s *ConfigStorage) Delete(ctx context.Context, id string) error {
	err := s.db.Store().Delete(id, &models.MigrationConfig{})
	if err == badgerhold.ErrNotFound {
		return models.ErrConfigNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete config %s: %w", id, err)
	}
	return nil
}
