package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/migro/internal/interfaces"
	"github.com/ternarybob/migro/internal/models"
)

// ValidationStorage persists last-used validation parameters per config,
// replacing the browser-storage behavior of earlier tooling.
type ValidationStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewValidationStorage creates a new ValidationStorage instance.
func NewValidationStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ValidationStorage {
	return &ValidationStorage{
		db:     db,
		logger: logger,
	}
}

// GetParams returns the last validation parameters for a config, or nil
// when none were recorded.
func (s *ValidationStorage) GetParams(ctx context.Context, configID string) (*models.ValidationParams, error) {
	var params models.ValidationParams
	err := s.db.Store().Get(configID, &params)
	if err == badgerhold.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get validation params for %s: %w", configID, err)
	}
	return &params, nil
}

// SaveParams records the parameters of the most recent validation run.
func (s *ValidationStorage) SaveParams(ctx context.Context, params *models.ValidationParams) error {
	params.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(params.ConfigID, params); err != nil {
		return fmt.Errorf("failed to save validation params for %s: %w", params.ConfigID, err)
	}
	return nil
}
