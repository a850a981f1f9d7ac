package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/internal/storage/postgres"
	"github.com/scrypster/engram/pkg/types"
)

// postgresTestDSN returns the DSN for the test database.
// If POSTGRES_TEST_DSN is not set, tests are skipped.
func postgresTestDSN(t *testing.T) string {
	t.Helper()

	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore connects to the test database, applies the schema and
// truncates all tables so every test starts from scratch.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()

	store, err := postgres.Open(postgresTestDSN(t))
	require.NoError(t, err, "Open should succeed")

	require.NoError(t, store.TruncateForTest(context.Background()))
	t.Cleanup(func() { store.Close() })

	return store
}

func newTestEpisode(task string) *types.Episode {
	ep := types.NewEpisode(task, "integration test")
	ep.ProjectName = "engram"
	return ep
}

func TestStoreEpisode_Nil(t *testing.T) {
	store := newTestStore(t)
	err := store.StoreEpisode(context.Background(), nil, nil)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestStoreEpisode_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ep := newTestEpisode("tune connection pool")
	ep.Tags = []string{"postgres", "pooling"}
	ep.LessonsLearned = []string{"measure before tuning"}
	require.NoError(t, store.StoreEpisode(ctx, ep, []float64{0.1, 0.2, 0.3}))

	got, err := store.GetEpisode(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, ep.Task, got.Task)
	assert.Equal(t, []string{"postgres", "pooling"}, got.Tags)
	assert.Equal(t, 0, got.AccessCount)
	assert.True(t, got.Success)
}

func TestGetEpisode_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetEpisode(context.Background(), "e8b6f7ac-0000-4000-8000-000000000000")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIncrementAccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ep := newTestEpisode("increment target")
	require.NoError(t, store.StoreEpisode(ctx, ep, nil))

	require.NoError(t, store.IncrementAccess(ctx, ep.ID))
	require.NoError(t, store.IncrementAccess(ctx, ep.ID))

	got, err := store.GetEpisode(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AccessCount)
	assert.NotNil(t, got.LastAccessed)
}

func TestMarkEpisode_InvalidReference(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ep := newTestEpisode("supersede target")
	require.NoError(t, store.StoreEpisode(ctx, ep, nil))

	missing := "11111111-2222-4333-8444-555555555555"
	_, err := store.MarkEpisode(ctx, ep.ID, storage.Mark{SupersededBy: &missing})
	assert.ErrorIs(t, err, storage.ErrInvalidReference)

	self := ep.ID
	_, err = store.MarkEpisode(ctx, ep.ID, storage.Mark{SupersededBy: &self})
	assert.ErrorIs(t, err, storage.ErrInvalidReference)
}

func TestNearest_RanksBySimilarity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	aligned := newTestEpisode("aligned")
	orthogonal := newTestEpisode("orthogonal")
	require.NoError(t, store.StoreEpisode(ctx, aligned, []float64{1, 0, 0}))
	require.NoError(t, store.StoreEpisode(ctx, orthogonal, []float64{0, 1, 0}))

	hits, err := store.Nearest(ctx, []float64{1, 0, 0}, 5, storage.EpisodeFilter{Project: "engram"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, aligned.ID, hits[0].Episode.ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 0.001)
}

func TestWriteMetaMemory_MarksConsolidated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for _, task := range []string{"one", "two", "three"} {
		ep := newTestEpisode(task)
		require.NoError(t, store.StoreEpisode(ctx, ep, []float64{0.5, 0.5}))
		ids = append(ids, ep.ID)
	}

	mm := types.NewMetaMemory("engram")
	mm.Pattern = "recurring pattern"
	mm.SourceEpisodeIDs = ids
	mm.EpisodeCount = len(ids)
	require.NoError(t, store.WriteMetaMemory(ctx, mm, []float64{0.4, 0.6}))

	remaining, err := store.Unconsolidated(ctx, "engram")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	got, err := store.GetMetaMemory(ctx, mm.ID)
	require.NoError(t, err)
	assert.Equal(t, ids, got.SourceEpisodeIDs)
}

func TestReconcile_ReportsMissingVectors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	withVector := newTestEpisode("has vector")
	withoutVector := newTestEpisode("no vector")
	require.NoError(t, store.StoreEpisode(ctx, withVector, []float64{1, 2}))
	require.NoError(t, store.StoreEpisode(ctx, withoutVector, nil))

	report, err := store.Reconcile(ctx)
	require.NoError(t, err)
	assert.False(t, report.Healthy())
	assert.Equal(t, []string{withoutVector.ID}, report.EpisodesWithoutVector)
}
