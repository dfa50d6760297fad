package badger

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/migro/internal/interfaces"
	"github.com/ternarybob/migro/internal/models"
)

// LoadConfigsFromFiles loads migration configs from TOML files in the
// specified directory. One file per config; the id field inside the file
// wins, falling back to the file name without extension. Files that fail
// to parse or validate are skipped with a warning so one bad config never
// blocks startup.
func LoadConfigsFromFiles(ctx context.Context, configStorage interfaces.ConfigStorage, dirPath string, logger arbor.ILogger) error {
	logger.Debug().Str("dir", dirPath).Msg("Loading migration configs from files")

	if _, err := os.Stat(dirPath); os.IsNotExist(err) {
		logger.Debug().Str("dir", dirPath).Msg("Configs directory does not exist, skipping")
		return nil
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		logger.Warn().Err(err).Str("dir", dirPath).Msg("Failed to read configs directory")
		return nil // Non-fatal
	}

	validate := validator.New()

	loadedCount := 0
	skippedCount := 0
	errorCount := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}

		filePath := filepath.Join(dirPath, entry.Name())
		content, err := os.ReadFile(filePath)
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to read config file")
			errorCount++
			continue
		}

		var config models.MigrationConfig
		if err := toml.Unmarshal(content, &config); err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to parse config file")
			errorCount++
			continue
		}

		if config.ID == "" {
			config.ID = strings.TrimSuffix(entry.Name(), ".toml")
		}
		if config.Name == "" {
			config.Name = config.ID
		}

		if err := validate.Struct(&config); err != nil {
			logger.Warn().Err(err).
				Str("file", entry.Name()).
				Str("config", config.ID).
				Msg("Skipping config: validation failed")
			skippedCount++
			continue
		}

		if err := configStorage.Upsert(ctx, &config); err != nil {
			logger.Warn().Err(err).
				Str("config", config.ID).
				Msg("Failed to save config")
			errorCount++
			continue
		}

		logger.Debug().
			Str("config", config.ID).
			Int("data_items", len(config.DataItems)).
			Msg("Loaded migration config")
		loadedCount++
	}

	logger.Info().
		Int("loaded", loadedCount).
		Int("skipped", skippedCount).
		Int("errors", errorCount).
		Msg("Finished loading migration configs from files")

	return nil
}
