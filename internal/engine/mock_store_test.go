package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

// memStore is an in-memory storage.EpisodeStore for engine tests. It mirrors
// the SQL backends' semantics (filtering, ordering, consolidation via
// provenance) without a database.
type memStore struct {
	mu       sync.Mutex
	episodes map[string]*types.Episode
	vectors  map[string][]float64
	metas    map[string]*types.MetaMemory
	metaVecs map[string][]float64

	// order preserves insertion order so ties are deterministic.
	order []string

	failNearest error
	failKeyword error
}

var _ storage.EpisodeStore = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		episodes: make(map[string]*types.Episode),
		vectors:  make(map[string][]float64),
		metas:    make(map[string]*types.MetaMemory),
		metaVecs: make(map[string][]float64),
	}
}

func (m *memStore) StoreEpisode(ctx context.Context, ep *types.Episode, embedding []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ep
	m.episodes[ep.ID] = &cp
	m.order = append(m.order, ep.ID)
	if len(embedding) > 0 {
		m.vectors[ep.ID] = append([]float64(nil), embedding...)
	}
	return nil
}

func (m *memStore) GetEpisode(ctx context.Context, id string) (*types.Episode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.episodes[id]
	if !ok {
		return nil, fmt.Errorf("episode %s: %w", id, storage.ErrNotFound)
	}
	cp := *ep
	return &cp, nil
}

func (m *memStore) matches(ep *types.Episode, filter storage.EpisodeFilter) bool {
	if filter.Project != "" && ep.ProjectName != filter.Project {
		return false
	}
	if filter.Type != "" && ep.EpisodeType != filter.Type {
		return false
	}
	if filter.Tag != "" {
		found := false
		for _, tag := range ep.Tags {
			if tag == filter.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (m *memStore) ListEpisodes(ctx context.Context, filter storage.EpisodeFilter) ([]*types.Episode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	filter.Normalize()

	var out []*types.Episode
	for _, id := range m.order {
		ep := m.episodes[id]
		if m.matches(ep, filter) {
			cp := *ep
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		var less bool
		if filter.SortBy == "access_count" {
			less = out[i].AccessCount < out[j].AccessCount
		} else {
			less = out[i].Timestamp.Before(out[j].Timestamp)
		}
		if filter.Ascending {
			return less
		}
		return !less
	})
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memStore) CountEpisodes(ctx context.Context, project string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ep := range m.episodes {
		if project == "" || ep.ProjectName == project {
			n++
		}
	}
	return n, nil
}

func (m *memStore) Nearest(ctx context.Context, vector []float64, k int, filter storage.EpisodeFilter) ([]storage.NearestEpisode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNearest != nil {
		return nil, m.failNearest
	}

	var hits []storage.NearestEpisode
	for _, id := range m.order {
		ep := m.episodes[id]
		vec, ok := m.vectors[id]
		if !ok || !m.matches(ep, filter) {
			continue
		}
		cp := *ep
		hits = append(hits, storage.NearestEpisode{
			Episode:    &cp,
			Similarity: cosine(vector, vec),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *memStore) SearchKeyword(ctx context.Context, query string, filter storage.EpisodeFilter) ([]*types.Episode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failKeyword != nil {
		return nil, m.failKeyword
	}
	filter.Normalize()

	terms := strings.Fields(strings.ToLower(query))
	var out []*types.Episode
	for _, id := range m.order {
		ep := m.episodes[id]
		if !m.matches(ep, filter) {
			continue
		}
		haystack := strings.ToLower(ep.Task + " " + ep.Context + " " + ep.SolutionSummary)
		all := true
		for _, term := range terms {
			if !strings.Contains(haystack, term) {
				all = false
				break
			}
		}
		if all {
			cp := *ep
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memStore) IncrementAccess(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.episodes[id]
	if !ok {
		return fmt.Errorf("episode %s: %w", id, storage.ErrNotFound)
	}
	ep.AccessCount++
	now := time.Now().UTC()
	ep.LastAccessed = &now
	return nil
}

func (m *memStore) IncrementMetaAccess(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, ok := m.metas[id]
	if !ok {
		return fmt.Errorf("meta-memory %s: %w", id, storage.ErrNotFound)
	}
	mm.AccessCount++
	now := time.Now().UTC()
	mm.LastAccessed = &now
	return nil
}

func (m *memStore) MarkEpisode(ctx context.Context, id string, mark storage.Mark) (*types.Episode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.episodes[id]
	if !ok {
		return nil, fmt.Errorf("episode %s: %w", id, storage.ErrNotFound)
	}
	if mark.SupersededBy != nil && *mark.SupersededBy != "" {
		if *mark.SupersededBy == id {
			return nil, fmt.Errorf("episode cannot supersede itself: %w", storage.ErrInvalidReference)
		}
		if _, ok := m.episodes[*mark.SupersededBy]; !ok {
			return nil, fmt.Errorf("superseding episode %s: %w", *mark.SupersededBy, storage.ErrInvalidReference)
		}
	}
	if mark.IsCritical != nil {
		ep.IsCritical = *mark.IsCritical
	}
	if mark.IsAntipattern != nil {
		ep.IsAntipattern = *mark.IsAntipattern
	}
	if mark.SupersededBy != nil {
		ep.SupersededBy = *mark.SupersededBy
	}
	if mark.DeprecationReason != nil {
		ep.DeprecationReason = *mark.DeprecationReason
	}
	cp := *ep
	return &cp, nil
}

func (m *memStore) Stats(ctx context.Context, project string) (*types.MemoryStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &types.MemoryStats{
		ByType:      make(map[string]int),
		ByAssistant: make(map[string]int),
		ByTag:       make(map[string]int),
	}
	for _, ep := range m.episodes {
		if project != "" && ep.ProjectName != project {
			continue
		}
		stats.TotalEpisodes++
		stats.ByType[string(ep.EpisodeType)]++
		stats.ByAssistant[ep.SourceAssistant]++
		for _, tag := range ep.Tags {
			stats.ByTag[tag]++
		}
	}
	for _, mm := range m.metas {
		if project == "" || mm.ProjectName == project {
			stats.TotalMetaMemories++
		}
	}
	return stats, nil
}

func (m *memStore) Unconsolidated(ctx context.Context, project string) ([]*types.Episode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	consolidated := make(map[string]struct{})
	for _, mm := range m.metas {
		for _, id := range mm.SourceEpisodeIDs {
			consolidated[id] = struct{}{}
		}
	}

	var out []*types.Episode
	for _, id := range m.order {
		ep := m.episodes[id]
		if project != "" && ep.ProjectName != project {
			continue
		}
		if _, ok := consolidated[id]; ok {
			continue
		}
		cp := *ep
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (m *memStore) Embeddings(ctx context.Context, ids []string) (map[string][]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]float64)
	for _, id := range ids {
		if vec, ok := m.vectors[id]; ok {
			out[id] = append([]float64(nil), vec...)
		}
	}
	return out, nil
}

func (m *memStore) WriteMetaMemory(ctx context.Context, mm *types.MetaMemory, embedding []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range mm.SourceEpisodeIDs {
		if _, ok := m.episodes[id]; !ok {
			return fmt.Errorf("source episode %s: %w", id, storage.ErrInvalidReference)
		}
	}
	cp := *mm
	m.metas[mm.ID] = &cp
	if len(embedding) > 0 {
		m.metaVecs[mm.ID] = append([]float64(nil), embedding...)
	}
	return nil
}

func (m *memStore) GetMetaMemory(ctx context.Context, id string) (*types.MetaMemory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, ok := m.metas[id]
	if !ok {
		return nil, fmt.Errorf("meta-memory %s: %w", id, storage.ErrNotFound)
	}
	cp := *mm
	return &cp, nil
}

func (m *memStore) ListMetaMemories(ctx context.Context, project string, limit int) ([]*types.MetaMemory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.MetaMemory
	for _, mm := range m.metas {
		if project == "" || mm.ProjectName == project {
			cp := *mm
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) NearestMetaMemories(ctx context.Context, vector []float64, k int, project string) ([]storage.NearestMetaMemory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hits []storage.NearestMetaMemory
	for id, mm := range m.metas {
		vec, ok := m.metaVecs[id]
		if !ok {
			continue
		}
		if project != "" && mm.ProjectName != project {
			continue
		}
		cp := *mm
		hits = append(hits, storage.NearestMetaMemory{
			MetaMemory: &cp,
			Similarity: cosine(vector, vec),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *memStore) Reconcile(ctx context.Context) (*storage.ReconcileReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	report := &storage.ReconcileReport{CheckedAt: time.Now().UTC()}
	for _, id := range m.order {
		if _, ok := m.vectors[id]; !ok {
			report.EpisodesWithoutVector = append(report.EpisodesWithoutVector, id)
		}
	}
	return report, nil
}

func (m *memStore) Close() error { return nil }

// fakeEmbedder returns canned vectors and optionally fails every call.
type fakeEmbedder struct {
	vector []float64
	err    error
	calls  int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]float64(nil), f.vector...), nil
}

// fakeGenerator replays canned completions in order. An empty response
// string fails that call.
type fakeGenerator struct {
	responses []string
	prompts   []string
}

func (f *fakeGenerator) Complete(ctx context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	i := len(f.prompts) - 1
	if i >= len(f.responses) {
		return "", errors.New("no canned response left")
	}
	if f.responses[i] == "" {
		return "", errors.New("synthesis backend unavailable")
	}
	return f.responses[i], nil
}

func (f *fakeGenerator) GetModel() string { return "fake" }

// recordingPublisher captures published events for assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(kind string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, kind)
}

func (p *recordingPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

// newEpisodeAt builds a stored-shape episode with a fixed timestamp offset
// so ordering in tests is deterministic.
func newEpisodeAt(task, project string, minutesAgo int) *types.Episode {
	ep := types.NewEpisode(task, "context for "+task)
	ep.ProjectName = project
	ep.SolutionSummary = "summary of " + task
	ep.Timestamp = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(-time.Duration(minutesAgo) * time.Minute)
	return ep
}

func mustAdd(t interface{ Fatalf(string, ...any) }, store *memStore, ep *types.Episode, vec []float64) {
	if err := store.StoreEpisode(context.Background(), ep, vec); err != nil {
		t.Fatalf("store episode: %v", err)
	}
}
