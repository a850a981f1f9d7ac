package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

// GetContext assembles a session-start payload for a project scope. Small
// corpora are returned whole; once the scope crosses the cutoff the payload
// switches to statistics, recent episodes and topic-relevant retrieval.
// includeReasoning attaches each warning episode's raw thinking.
func (e *Engine) GetContext(ctx context.Context, topic, project string, includeReasoning bool) (*types.ContextPayload, error) {
	count, err := e.store.CountEpisodes(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("engine: count episodes: %w", err)
	}

	if count == 0 {
		return &types.ContextPayload{
			Mode:    types.ContextModeEmpty,
			Message: "No episodes recorded yet. Capture outcomes as you work and context will accumulate here.",
		}, nil
	}

	if count < e.cfg.FewMemoriesCutoff {
		return e.fullContext(ctx, project, includeReasoning)
	}
	return e.smartContext(ctx, topic, project, includeReasoning)
}

// fullContext returns every episode in the scope, newest first. No ranking
// is involved so nothing counts as surfaced and access counts stay put.
func (e *Engine) fullContext(ctx context.Context, project string, includeReasoning bool) (*types.ContextPayload, error) {
	episodes, err := e.store.ListEpisodes(ctx, storage.EpisodeFilter{Project: project})
	if err != nil {
		return nil, fmt.Errorf("engine: list episodes: %w", err)
	}

	payload := &types.ContextPayload{Mode: types.ContextModeFull}
	for _, ep := range episodes {
		scored := types.ScoredEpisode{
			Episode:     ep,
			MatchReason: "full corpus (below smart-context cutoff)",
		}
		payload.RelevantEpisodes = append(payload.RelevantEpisodes, scored)
		if ep.IsAntipattern {
			w := antipatternWarning(scored)
			if includeReasoning {
				w.Reasoning = ep.ReasoningTrace.RawThinking
			}
			payload.AntipatternWarnings = append(payload.AntipatternWarnings, w)
		}
	}
	return payload, nil
}

// smartContext is the hybrid branch: corpus statistics, the most recent
// episodes, and semantic retrieval against the topic. Retrieval failures
// other than storage errors degrade the payload rather than failing it.
func (e *Engine) smartContext(ctx context.Context, topic, project string, includeReasoning bool) (*types.ContextPayload, error) {
	stats, err := e.store.Stats(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("engine: stats: %w", err)
	}

	recent, err := e.store.ListEpisodes(ctx, storage.EpisodeFilter{
		Project: project,
		Limit:   e.cfg.RecentCount,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: recent episodes: %w", err)
	}

	payload := &types.ContextPayload{
		Mode:           types.ContextModeSmart,
		Statistics:     stats,
		RecentEpisodes: recent,
	}

	if topic != "" {
		result, err := e.Retrieve(ctx, topic, project, e.cfg.DefaultK)
		if err != nil {
			return nil, err
		}
		payload.RelevantEpisodes = result.Episodes
		payload.RelevantMetaMemories = result.MetaMemories
		payload.AntipatternWarnings = result.Warnings
		payload.Degraded = result.Degraded

		if includeReasoning {
			e.attachReasoning(ctx, payload.AntipatternWarnings)
		}
	}

	if eligibility, err := e.CheckConsolidation(ctx, project); err != nil {
		log.Printf("engine: consolidation eligibility check failed: %v", err)
	} else if eligibility.Eligible {
		payload.ConsolidationHint = eligibility.Reason
	}

	return payload, nil
}

// attachReasoning fills each warning with its episode's raw thinking. A
// lookup failure leaves that warning bare rather than failing the payload.
func (e *Engine) attachReasoning(ctx context.Context, warnings []types.AntipatternWarning) {
	for i := range warnings {
		ep, err := e.store.GetEpisode(ctx, warnings[i].EpisodeID)
		if err != nil {
			log.Printf("engine: reasoning lookup failed for %s: %v", warnings[i].EpisodeID, err)
			continue
		}
		warnings[i].Reasoning = ep.ReasoningTrace.RawThinking
	}
}
