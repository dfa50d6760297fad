package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/migro/internal/models"
)

// ScratchStore owns the scratch files that carry downloaded value sets from
// the download handler to the upload handler. Layout:
// {dir}/{configId}/{uuid}.json. A file has exactly one live reference (the
// upload job) and is deleted by its consumer.
type ScratchStore struct {
	dir    string
	logger arbor.ILogger
}

// NewScratchStore creates a scratch store rooted at dir.
func NewScratchStore(dir string, logger arbor.ILogger) *ScratchStore {
	return &ScratchStore{dir: dir, logger: logger}
}

// Write persists a value set for a config and returns the file path.
func (s *ScratchStore) Write(configID string, set *models.DataValueSet) (string, error) {
	dir := filepath.Join(s.dir, configID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create scratch directory: %w", err)
	}

	path := filepath.Join(dir, uuid.New().String()+".json")
	data, err := json.Marshal(set)
	if err != nil {
		return "", fmt.Errorf("failed to marshal scratch payload: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write scratch file: %w", err)
	}

	s.logger.Debug().
		Str("path", path).
		Int("values", len(set.DataValues)).
		Msg("Scratch file written")
	return path, nil
}

// Read loads a scratch file back into a value set. Missing or corrupt files
// surface as ErrPayloadInvalid so the message dead-letters immediately.
func (s *ScratchStore) Read(path string) (*models.DataValueSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: scratch file %s: %v", models.ErrPayloadInvalid, path, err)
	}
	var set models.DataValueSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("%w: scratch file %s: %v", models.ErrPayloadInvalid, path, err)
	}
	return &set, nil
}

// Remove deletes a scratch file. Removing an already-deleted file is a
// no-op.
func (s *ScratchStore) Remove(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove scratch file")
		return
	}
	s.logger.Debug().Str("path", path).Msg("Scratch file removed")
}

// SweepOlderThan deletes scratch files older than maxAge, returning the
// count. Used by the maintenance scheduler against orphans left by crashed
// consumers.
func (s *ScratchStore) SweepOlderThan(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			info, err := f.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(s.dir, entry.Name(), f.Name())
			if err := os.Remove(path); err == nil {
				removed++
				s.logger.Info().Str("path", path).Msg("Swept orphaned scratch file")
			}
		}
	}
	return removed
}
