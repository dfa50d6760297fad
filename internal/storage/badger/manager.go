package badger

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/migro/internal/common"
	"github.com/ternarybob/migro/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db         *BadgerDB
	config     interfaces.ConfigStorage
	validation interfaces.ValidationStorage
	logger     arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:         db,
		config:     NewConfigStorage(db, logger),
		validation: NewValidationStorage(db, logger),
		logger:     logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// ConfigStorage returns the migration config storage interface
func (m *Manager) ConfigStorage() interfaces.ConfigStorage {
	return m.config
}

// ValidationStorage returns the validation params storage interface
func (m *Manager) ValidationStorage() interfaces.ValidationStorage {
	return m.validation
}

// LoadConfigsFromFiles loads migration configs from TOML files
func (m *Manager) LoadConfigsFromFiles(ctx context.Context, dirPath string) error {
	return LoadConfigsFromFiles(ctx, m.config, dirPath, m.logger)
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
