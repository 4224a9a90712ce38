package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasihub/wasihub/internal/model"
	"github.com/wasihub/wasihub/internal/storage/sqlite"
)

func reading(id string, ts uint64) model.Reading {
	return model.Reading{ProducerID: id, TimestampMS: ts, Data: map[string]interface{}{"v": float64(ts)}}
}

func newTestRepository(t *testing.T, dbPath string) *sqlite.Repository {
	t.Helper()

	repo, err := sqlite.NewRepository(context.Background(), sqlite.RepositoryConfig{DBPath: dbPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	return repo
}

func TestRepositoryUpsertAndList(t *testing.T) {
	assert := assert.New(t)
	repo := newTestRepository(t, filepath.Join(t.TempDir(), "test.db"))
	ctx := context.Background()

	require.NoError(t, repo.UpsertReadings(ctx, []model.Reading{reading("b", 2), reading("a", 1)}))
	require.NoError(t, repo.UpsertReadings(ctx, []model.Reading{reading("a", 9)}))

	got, err := repo.ListReadings(ctx)
	assert.NoError(err)
	assert.Equal([]model.Reading{reading("a", 9), reading("b", 2)}, got)
}

func TestRepositoryInvalidReading(t *testing.T) {
	assert := assert.New(t)
	repo := newTestRepository(t, filepath.Join(t.TempDir(), "test.db"))

	err := repo.UpsertReadings(context.Background(), []model.Reading{{TimestampMS: 1}})
	assert.Error(err)

	// The failed batch must not leave partial rows behind.
	got, err := repo.ListReadings(context.Background())
	assert.NoError(err)
	assert.Empty(got)
}

func TestRepositoryLastUpdate(t *testing.T) {
	assert := assert.New(t)
	repo := newTestRepository(t, filepath.Join(t.TempDir(), "test.db"))
	ctx := context.Background()

	_, err := repo.LastUpdate(ctx)
	assert.ErrorIs(err, model.ErrNotFound)

	require.NoError(t, repo.UpsertReadings(ctx, []model.Reading{reading("a", 1)}))

	lastUpdate, err := repo.LastUpdate(ctx)
	assert.NoError(err)
	assert.False(lastUpdate.IsZero())
}

func TestRepositoryStateSurvivesReopen(t *testing.T) {
	assert := assert.New(t)
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{DBPath: dbPath})
	require.NoError(t, err)
	require.NoError(t, repo.UpsertReadings(ctx, []model.Reading{reading("a", 1)}))
	require.NoError(t, repo.Close())

	reopened := newTestRepository(t, dbPath)
	got, err := reopened.ListReadings(ctx)
	assert.NoError(err)
	assert.Equal([]model.Reading{reading("a", 1)}, got)
}
