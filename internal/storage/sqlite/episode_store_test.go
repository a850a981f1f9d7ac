package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testEpisode(project, task string) *types.Episode {
	ep := types.NewEpisode(task, "service layer")
	ep.ProjectName = project
	ep.SolutionSummary = "summary of " + task
	ep.ReasoningTrace = types.ReasoningTrace{RawThinking: "thinking about " + task}
	return ep
}

func mustStore(t *testing.T, s *Store, ep *types.Episode, vec []float64) {
	t.Helper()
	if err := s.StoreEpisode(context.Background(), ep, vec); err != nil {
		t.Fatalf("StoreEpisode(%s): %v", ep.Task, err)
	}
}

func TestStoreAndGetEpisode(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ep := testEpisode("engram", "pick a vector store")
	ep.Tags = []string{"storage", "vectors"}
	ep.LessonsLearned = []string{"benchmark before choosing"}
	conf := 0.85
	ep.ReasoningTrace.ConfidenceLevel = &conf
	mustStore(t, store, ep, []float64{0.1, 0.2, 0.3})

	got, err := store.GetEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetEpisode: %v", err)
	}
	if got.Task != ep.Task {
		t.Errorf("task = %q, want %q", got.Task, ep.Task)
	}
	if got.ReasoningTrace.RawThinking != ep.ReasoningTrace.RawThinking {
		t.Errorf("raw thinking not preserved")
	}
	if got.ReasoningTrace.ConfidenceLevel == nil || *got.ReasoningTrace.ConfidenceLevel != conf {
		t.Errorf("confidence level not preserved")
	}
	if len(got.Tags) != 2 || got.Tags[0] != "storage" {
		t.Errorf("tags = %v, want [storage vectors]", got.Tags)
	}
	if got.AccessCount != 0 {
		t.Errorf("fresh episode access count = %d", got.AccessCount)
	}
}

func TestGetEpisodeNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetEpisode(context.Background(), "c1a62f5a-3ffb-4a27-bd13-2e6a21c1ff01")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestIncrementAccessIsMonotonic(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ep := testEpisode("engram", "increment target")
	mustStore(t, store, ep, nil)

	for i := 1; i <= 5; i++ {
		if err := store.IncrementAccess(ctx, ep.ID); err != nil {
			t.Fatalf("IncrementAccess #%d: %v", i, err)
		}
		got, err := store.GetEpisode(ctx, ep.ID)
		if err != nil {
			t.Fatalf("GetEpisode: %v", err)
		}
		if got.AccessCount != i {
			t.Errorf("after %d increments access_count = %d", i, got.AccessCount)
		}
		if got.LastAccessed == nil {
			t.Error("last_accessed should be stamped")
		}
	}

	if err := store.IncrementAccess(ctx, "11111111-2222-3333-4444-555555555555"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("increment of missing episode: %v, want ErrNotFound", err)
	}
}

func TestMarkEpisodeFlags(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ep := testEpisode("engram", "flag target")
	mustStore(t, store, ep, nil)

	critical := true
	updated, err := store.MarkEpisode(ctx, ep.ID, storage.Mark{IsCritical: &critical})
	if err != nil {
		t.Fatalf("MarkEpisode: %v", err)
	}
	if !updated.IsCritical {
		t.Error("is_critical not applied")
	}

	anti := true
	reason := "approach caused an outage"
	updated, err = store.MarkEpisode(ctx, ep.ID, storage.Mark{
		IsAntipattern:     &anti,
		DeprecationReason: &reason,
	})
	if err != nil {
		t.Fatalf("MarkEpisode antipattern: %v", err)
	}
	if !updated.IsAntipattern || updated.DeprecationReason != reason {
		t.Errorf("antipattern mark not applied: %+v", updated)
	}
	if !updated.IsCritical {
		t.Error("earlier critical flag should survive later marks")
	}
}

func TestMarkEpisodeInvalidReference(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ep := testEpisode("engram", "supersede target")
	mustStore(t, store, ep, nil)

	missing := "99999999-8888-7777-6666-555555555555"
	_, err := store.MarkEpisode(ctx, ep.ID, storage.Mark{SupersededBy: &missing})
	if !errors.Is(err, storage.ErrInvalidReference) {
		t.Fatalf("dangling superseded_by: %v, want ErrInvalidReference", err)
	}

	self := ep.ID
	_, err = store.MarkEpisode(ctx, ep.ID, storage.Mark{SupersededBy: &self})
	if !errors.Is(err, storage.ErrInvalidReference) {
		t.Fatalf("self superseded_by: %v, want ErrInvalidReference", err)
	}

	// The failed marks must leave the record unchanged.
	got, err := store.GetEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetEpisode: %v", err)
	}
	if got.SupersededBy != "" {
		t.Errorf("superseded_by = %q after failed marks, want empty", got.SupersededBy)
	}

	// A valid reference works.
	successor := testEpisode("engram", "the replacement")
	mustStore(t, store, successor, nil)
	updated, err := store.MarkEpisode(ctx, ep.ID, storage.Mark{SupersededBy: &successor.ID})
	if err != nil {
		t.Fatalf("valid supersede: %v", err)
	}
	if updated.SupersededBy != successor.ID {
		t.Errorf("superseded_by = %q, want %q", updated.SupersededBy, successor.ID)
	}
}

func TestNearestRanksBySimilarity(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	aligned := testEpisode("engram", "aligned episode")
	orthogonal := testEpisode("engram", "orthogonal episode")
	opposite := testEpisode("engram", "opposite episode")
	otherProject := testEpisode("sideproject", "other project episode")

	mustStore(t, store, aligned, []float64{1, 0, 0})
	mustStore(t, store, orthogonal, []float64{0, 1, 0})
	mustStore(t, store, opposite, []float64{-1, 0, 0})
	mustStore(t, store, otherProject, []float64{1, 0, 0})

	hits, err := store.Nearest(ctx, []float64{1, 0, 0}, 10, storage.EpisodeFilter{Project: "engram"})
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("got %d hits, want 3 (project filter)", len(hits))
	}
	if hits[0].Episode.ID != aligned.ID {
		t.Errorf("top hit = %s, want aligned episode", hits[0].Episode.Task)
	}
	if hits[0].Similarity < 0.999 {
		t.Errorf("aligned similarity = %f, want ~1", hits[0].Similarity)
	}
	if hits[2].Episode.ID != opposite.ID {
		t.Errorf("last hit should be the opposite vector")
	}
}

func TestSearchKeyword(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	match := testEpisode("engram", "added retry logic to HTTP client")
	other := testEpisode("engram", "migrated the build to make")
	mustStore(t, store, match, nil)
	mustStore(t, store, other, nil)

	results, err := store.SearchKeyword(ctx, "retry http", storage.EpisodeFilter{Project: "engram"})
	if err != nil {
		t.Fatalf("SearchKeyword: %v", err)
	}
	if len(results) != 1 || results[0].ID != match.ID {
		t.Errorf("keyword search returned %d results, want the retry episode", len(results))
	}
}

func TestWriteMetaMemoryConsolidatesSources(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var ids []string
	for _, task := range []string{"first", "second", "third", "fourth"} {
		ep := testEpisode("engram", task+" episode")
		mustStore(t, store, ep, []float64{0.5, 0.5})
		ids = append(ids, ep.ID)
	}

	before, err := store.Unconsolidated(ctx, "engram")
	if err != nil {
		t.Fatalf("Unconsolidated: %v", err)
	}
	if len(before) != 4 {
		t.Fatalf("unconsolidated before = %d, want 4", len(before))
	}

	mm := types.NewMetaMemory("engram")
	mm.Pattern = "a recurring pattern"
	mm.PatternSummary = "pattern in short"
	mm.SourceEpisodeIDs = ids[:3]
	mm.EpisodeCount = 3
	mm.CoherenceScore = 0.7
	if err := store.WriteMetaMemory(ctx, mm, []float64{0.4, 0.6}); err != nil {
		t.Fatalf("WriteMetaMemory: %v", err)
	}

	after, err := store.Unconsolidated(ctx, "engram")
	if err != nil {
		t.Fatalf("Unconsolidated after: %v", err)
	}
	if len(after) != 1 || after[0].ID != ids[3] {
		t.Errorf("unconsolidated after = %d episodes, want only the fourth", len(after))
	}

	got, err := store.GetMetaMemory(ctx, mm.ID)
	if err != nil {
		t.Fatalf("GetMetaMemory: %v", err)
	}
	if len(got.SourceEpisodeIDs) != 3 {
		t.Errorf("provenance = %v, want 3 source ids", got.SourceEpisodeIDs)
	}
	for i, id := range ids[:3] {
		if got.SourceEpisodeIDs[i] != id {
			t.Errorf("source order not preserved at %d", i)
		}
	}
}

func TestNearestMetaMemories(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var ids []string
	for _, task := range []string{"a", "b", "c"} {
		ep := testEpisode("engram", task)
		mustStore(t, store, ep, []float64{1, 0})
		ids = append(ids, ep.ID)
	}

	near := types.NewMetaMemory("engram")
	near.Pattern = "close pattern"
	near.SourceEpisodeIDs = ids
	near.EpisodeCount = 3
	if err := store.WriteMetaMemory(ctx, near, []float64{1, 0.1}); err != nil {
		t.Fatalf("WriteMetaMemory near: %v", err)
	}

	hits, err := store.NearestMetaMemories(ctx, []float64{1, 0}, 5, "engram")
	if err != nil {
		t.Fatalf("NearestMetaMemories: %v", err)
	}
	if len(hits) != 1 || hits[0].MetaMemory.ID != near.ID {
		t.Fatalf("unexpected meta hits: %d", len(hits))
	}
	if len(hits[0].MetaMemory.SourceEpisodeIDs) != 3 {
		t.Error("nearest meta-memory should include provenance")
	}
}

func TestReconcileReportsOrphans(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	withVector := testEpisode("engram", "has vector")
	withoutVector := testEpisode("engram", "no vector")
	mustStore(t, store, withVector, []float64{1, 2})
	mustStore(t, store, withoutVector, nil)

	// Simulate a vector whose episode row is gone.
	if err := store.storeEmbedding(ctx, "dead-beef", "episode", []float64{3, 4}); err != nil {
		t.Fatalf("storeEmbedding: %v", err)
	}

	report, err := store.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if report.Healthy() {
		t.Fatal("report should not be healthy")
	}
	if len(report.EpisodesWithoutVector) != 1 || report.EpisodesWithoutVector[0] != withoutVector.ID {
		t.Errorf("episodes without vector = %v", report.EpisodesWithoutVector)
	}
	if len(report.VectorsWithoutEpisode) != 1 || report.VectorsWithoutEpisode[0] != "dead-beef" {
		t.Errorf("vectors without episode = %v", report.VectorsWithoutEpisode)
	}
}

func TestStats(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	bug := testEpisode("engram", "fix panic")
	bug.EpisodeType = types.EpisodeBugFix
	bug.Tags = []string{"panic"}
	decision := testEpisode("engram", "choose framework")
	decision.Tags = []string{"framework", "panic"}
	elsewhere := testEpisode("other", "unrelated")

	mustStore(t, store, bug, nil)
	mustStore(t, store, decision, nil)
	mustStore(t, store, elsewhere, nil)

	stats, err := store.Stats(ctx, "engram")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalEpisodes != 2 {
		t.Errorf("total = %d, want 2", stats.TotalEpisodes)
	}
	if stats.ByType["bug_fix"] != 1 || stats.ByType["decision"] != 1 {
		t.Errorf("by type = %v", stats.ByType)
	}
	if stats.ByTag["panic"] != 2 {
		t.Errorf("by tag = %v", stats.ByTag)
	}
}

func TestEmbeddingsRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ep := testEpisode("engram", "vector roundtrip")
	want := []float64{0.25, -1.5, 3.75}
	mustStore(t, store, ep, want)

	vectors, err := store.Embeddings(ctx, []string{ep.ID, "unknown-id"})
	if err != nil {
		t.Fatalf("Embeddings: %v", err)
	}
	got, ok := vectors[ep.ID]
	if !ok {
		t.Fatal("embedding missing for stored episode")
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("vector[%d] = %f, want %f", i, got[i], want[i])
		}
	}
	if _, ok := vectors["unknown-id"]; ok {
		t.Error("unknown id should be absent, not an error")
	}
}

func TestListEpisodesOrderingAndFilter(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	older := testEpisode("engram", "older")
	older.Timestamp = time.Now().UTC().Add(-2 * time.Hour)
	newer := testEpisode("engram", "newer")
	mustStore(t, store, older, nil)
	mustStore(t, store, newer, nil)

	episodes, err := store.ListEpisodes(ctx, storage.EpisodeFilter{Project: "engram"})
	if err != nil {
		t.Fatalf("ListEpisodes: %v", err)
	}
	if len(episodes) != 2 || episodes[0].ID != newer.ID {
		t.Errorf("default ordering should be newest first")
	}

	ascending, err := store.ListEpisodes(ctx, storage.EpisodeFilter{Project: "engram", Ascending: true})
	if err != nil {
		t.Fatalf("ListEpisodes ascending: %v", err)
	}
	if ascending[0].ID != older.ID {
		t.Errorf("ascending ordering should be oldest first")
	}
}

func TestIncrementMetaAccess(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var ids []string
	for _, task := range []string{"one", "two", "three"} {
		ep := testEpisode("engram", task+" episode")
		mustStore(t, store, ep, []float64{0.5, 0.5})
		ids = append(ids, ep.ID)
	}

	mm := types.NewMetaMemory("engram")
	mm.Pattern = "a reused pattern"
	mm.SourceEpisodeIDs = ids
	mm.EpisodeCount = 3
	if err := store.WriteMetaMemory(ctx, mm, []float64{0.4, 0.6}); err != nil {
		t.Fatalf("WriteMetaMemory: %v", err)
	}

	for i := 1; i <= 3; i++ {
		if err := store.IncrementMetaAccess(ctx, mm.ID); err != nil {
			t.Fatalf("IncrementMetaAccess #%d: %v", i, err)
		}
	}
	got, err := store.GetMetaMemory(ctx, mm.ID)
	if err != nil {
		t.Fatalf("GetMetaMemory: %v", err)
	}
	if got.AccessCount != 3 {
		t.Errorf("access_count = %d, want 3", got.AccessCount)
	}
	if got.LastAccessed == nil {
		t.Error("last_accessed should be stamped")
	}

	if err := store.IncrementMetaAccess(ctx, "11111111-2222-3333-4444-555555555555"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("increment of missing meta-memory: %v, want ErrNotFound", err)
	}
}
