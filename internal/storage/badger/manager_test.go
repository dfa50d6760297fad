package badger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/migro/internal/common"
	"github.com/ternarybob/migro/internal/interfaces"
	"github.com/ternarybob/migro/internal/models"
)

func newTestManager(t *testing.T) interfaces.StorageManager {
	t.Helper()
	m, err := NewManager(common.GetLogger(), &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func storedConfig(id string) *models.MigrationConfig {
	return &models.MigrationConfig{
		ID:   id,
		Name: "Config " + id,
		Source: models.SourceInstance{
			BaseURL:  "http://source.example.org",
			Username: "reader",
			Password: "secret",
		},
		Destination: models.TargetInstance{
			BaseURL:  "http://dest.example.org",
			Username: "writer",
			Password: "secret",
		},
	}
}

func TestConfigStorageCRUD(t *testing.T) {
	ctx := context.Background()
	store := newTestManager(t).ConfigStorage()

	_, err := store.Get(ctx, "cfg1")
	assert.ErrorIs(t, err, models.ErrConfigNotFound)

	require.NoError(t, store.Upsert(ctx, storedConfig("cfg2")))
	require.NoError(t, store.Upsert(ctx, storedConfig("cfg1")))

	got, err := store.Get(ctx, "cfg1")
	require.NoError(t, err)
	assert.Equal(t, "Config cfg1", got.Name)
	assert.False(t, got.CreatedAt.IsZero())

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "cfg1", list[0].ID)
	assert.Equal(t, "cfg2", list[1].ID)

	require.NoError(t, store.Delete(ctx, "cfg2"))
	_, err = store.Get(ctx, "cfg2")
	assert.ErrorIs(t, err, models.ErrConfigNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "cfg2"), models.ErrConfigNotFound)
}

func TestConfigStorageUpsertPreservesCreatedAt(t *testing.T) {
	ctx := context.Background()
	store := newTestManager(t).ConfigStorage()

	require.NoError(t, store.Upsert(ctx, storedConfig("cfg1")))
	first, err := store.Get(ctx, "cfg1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	updated := storedConfig("cfg1")
	updated.Name = "Renamed"
	require.NoError(t, store.Upsert(ctx, updated))

	second, err := store.Get(ctx, "cfg1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", second.Name)
	assert.Equal(t, first.CreatedAt.Unix(), second.CreatedAt.Unix())
	assert.True(t, second.UpdatedAt.After(first.CreatedAt))
}

func TestValidationStorageRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := newTestManager(t).ValidationStorage()

	params, err := store.GetParams(ctx, "cfg1")
	require.NoError(t, err)
	assert.Nil(t, params)

	require.NoError(t, store.SaveParams(ctx, &models.ValidationParams{
		ConfigID:          "cfg1",
		DataItemConfigIDs: []string{"item1"},
		Periods:           []string{"202401"},
	}))

	params, err = store.GetParams(ctx, "cfg1")
	require.NoError(t, err)
	require.NotNil(t, params)
	assert.Equal(t, []string{"item1"}, params.DataItemConfigIDs)
	assert.False(t, params.UpdatedAt.IsZero())
}

func TestLoadConfigsFromFiles(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	dir := t.TempDir()

	// ID declared inside the file.
	withID := `
id = "explicit"
name = "Explicit"

[source]
base_url = "http://source.example.org"
username = "reader"
password = "secret"

[destination]
base_url = "http://dest.example.org"
username = "writer"
password = "secret"

[[data_items]]
id = "item1"
period_type = "MONTHLY"

[[data_items.mappings]]
source_id = "srcDE"
destination_id = "dstDE"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "explicit.toml"), []byte(withID), 0644))

	// No id field: the file name becomes the config ID.
	withoutID := `
[source]
base_url = "http://source.example.org"

[destination]
base_url = "http://dest.example.org"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "from-filename.toml"), []byte(withoutID), 0644))

	// Unparseable and invalid files are skipped, never fatal.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.toml"), []byte("not = [toml"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "invalid.toml"), []byte(`id = "no-instances"`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	require.NoError(t, m.LoadConfigsFromFiles(ctx, dir))

	list, err := m.ConfigStorage().List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "explicit", list[0].ID)
	assert.Equal(t, "from-filename", list[1].ID)
	assert.Equal(t, "from-filename", list[1].Name)

	explicit, err := m.ConfigStorage().Get(ctx, "explicit")
	require.NoError(t, err)
	require.Len(t, explicit.DataItems, 1)
	assert.Equal(t, "MONTHLY", explicit.DataItems[0].PeriodType)
}

func TestLoadConfigsFromMissingDir(t *testing.T) {
	m := newTestManager(t)
	assert.NoError(t, m.LoadConfigsFromFiles(context.Background(), filepath.Join(t.TempDir(), "absent")))
}
