package engine

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

// RetrievalResult is the ranked output of one retrieval call. Episodes and
// meta-memories are already ordered; warnings are the parallel channel for
// antipattern matches and are never folded into the primary list.
type RetrievalResult struct {
	Episodes     []types.ScoredEpisode
	MetaMemories []types.ScoredMetaMemory
	Warnings     []types.AntipatternWarning

	// Degraded is true when the embedding call failed and results came
	// from keyword matching instead of semantic ranking.
	Degraded bool
}

// Retrieve runs the retrieval pipeline: embed the query, over-fetch
// nearest-neighbor candidates, drop those below the relevance threshold,
// score, rank, take top k, and surface antipattern warnings separately.
// Every surfaced episode has its access count incremented exactly once.
//
// An embedding failure degrades to keyword retrieval rather than failing
// the request; semantic ranking is an enhancement, not a hard dependency.
func (e *Engine) Retrieve(ctx context.Context, query, project string, k int) (*RetrievalResult, error) {
	if k < 1 {
		k = e.cfg.DefaultK
	}

	if e.embedder == nil {
		return e.retrieveDegraded(ctx, query, project, k)
	}

	vector, err := e.embedder.Embed(ctx, query)
	if err != nil {
		log.Printf("engine: query embedding failed, degrading to keyword retrieval: %v", err)
		return e.retrieveDegraded(ctx, query, project, k)
	}

	candidates, err := e.store.Nearest(ctx, vector, k*e.cfg.OverfetchFactor, storage.EpisodeFilter{Project: project})
	if err != nil {
		return nil, fmt.Errorf("engine: nearest-neighbor fetch: %w", err)
	}

	// Threshold filtering happens before scoring: candidates below the
	// relevance floor never reach the caller, in any channel.
	var scored []types.ScoredEpisode
	for _, hit := range candidates {
		if hit.Similarity < e.cfg.RelevanceThreshold {
			continue
		}
		scored = append(scored, types.ScoredEpisode{
			Episode:       hit.Episode,
			SemanticScore: hit.Similarity,
			FinalScore:    e.scorer.Score(hit.Similarity, hit.Episode),
		})
	}

	sortScored(scored)

	primary := scored
	if len(primary) > k {
		primary = primary[:k]
	}

	// Antipatterns above threshold surface as warnings even when ranked
	// out of the top k; demotion must never hide them.
	var warnings []types.AntipatternWarning
	for _, s := range scored {
		if s.Episode.IsAntipattern {
			warnings = append(warnings, antipatternWarning(s))
		}
	}

	metas, err := e.retrieveMetaMemories(ctx, vector, project)
	if err != nil {
		log.Printf("engine: meta-memory retrieval failed, continuing with episodes only: %v", err)
		metas = nil
	}

	result := &RetrievalResult{
		Episodes:     primary,
		MetaMemories: metas,
		Warnings:     warnings,
	}
	e.incrementSurfaced(ctx, result)
	return result, nil
}

// retrieveDegraded serves a retrieval from keyword matching only. Project
// filters still apply; semantic scores are unknown so threshold filtering
// and score-based ranking are skipped in favor of recency ordering.
func (e *Engine) retrieveDegraded(ctx context.Context, query, project string, k int) (*RetrievalResult, error) {
	episodes, err := e.store.SearchKeyword(ctx, query, storage.EpisodeFilter{
		Project: project,
		Limit:   k,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: degraded keyword retrieval: %w", err)
	}

	result := &RetrievalResult{Degraded: true}
	for _, ep := range episodes {
		scored := types.ScoredEpisode{
			Episode:     ep,
			MatchReason: "keyword match (semantic ranking unavailable)",
		}
		if ep.IsAntipattern {
			result.Warnings = append(result.Warnings, antipatternWarning(scored))
		}
		result.Episodes = append(result.Episodes, scored)
	}

	e.incrementSurfaced(ctx, result)
	return result, nil
}

// retrieveMetaMemories ranks consolidated knowledge against the query.
// Meta-memory scores reinforce like episodes but weight by synthesis
// confidence instead of importance.
func (e *Engine) retrieveMetaMemories(ctx context.Context, vector []float64, project string) ([]types.ScoredMetaMemory, error) {
	hits, err := e.store.NearestMetaMemories(ctx, vector, e.cfg.MetaMemoryCount, project)
	if err != nil {
		return nil, err
	}

	var metas []types.ScoredMetaMemory
	for _, hit := range hits {
		if hit.Similarity < e.cfg.RelevanceThreshold {
			continue
		}
		boost := 1 + e.cfg.AccessBoost*float64(hit.MetaMemory.AccessCount)
		metas = append(metas, types.ScoredMetaMemory{
			MetaMemory:    hit.MetaMemory,
			SemanticScore: hit.Similarity,
			FinalScore:    hit.Similarity * boost * hit.MetaMemory.Confidence,
		})
	}

	sort.SliceStable(metas, func(i, j int) bool {
		return metas[i].FinalScore > metas[j].FinalScore
	})
	return metas, nil
}

// incrementSurfaced bumps access counts exactly once per episode included
// in the result, whether it appeared in the primary list, the warnings, or
// both, and once per surfaced meta-memory. Increment failures are logged,
// not surfaced: the retrieval already succeeded.
func (e *Engine) incrementSurfaced(ctx context.Context, result *RetrievalResult) {
	seen := make(map[string]struct{})
	bump := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		if err := e.store.IncrementAccess(ctx, id); err != nil {
			log.Printf("engine: access increment failed for %s: %v", id, err)
		}
	}

	for _, s := range result.Episodes {
		bump(s.Episode.ID)
	}
	for _, w := range result.Warnings {
		bump(w.EpisodeID)
	}
	for _, m := range result.MetaMemories {
		if err := e.store.IncrementMetaAccess(ctx, m.MetaMemory.ID); err != nil {
			log.Printf("engine: meta access increment failed for %s: %v", m.MetaMemory.ID, err)
		}
	}
}

// sortScored orders by final score descending, breaking ties by newer
// creation timestamp, then by access count descending.
func sortScored(scored []types.ScoredEpisode) {
	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.FinalScore != b.FinalScore {
			return a.FinalScore > b.FinalScore
		}
		if !a.Episode.Timestamp.Equal(b.Episode.Timestamp) {
			return a.Episode.Timestamp.After(b.Episode.Timestamp)
		}
		return a.Episode.AccessCount > b.Episode.AccessCount
	})
}

func antipatternWarning(s types.ScoredEpisode) types.AntipatternWarning {
	lesson := s.Episode.DeprecationReason
	if lesson == "" && len(s.Episode.LessonsLearned) > 0 {
		lesson = s.Episode.LessonsLearned[0]
	}
	return types.AntipatternWarning{
		EpisodeID:     s.Episode.ID,
		Task:          s.Episode.Task,
		Lesson:        lesson,
		SemanticScore: s.SemanticScore,
	}
}
