package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/scrypster/engram/internal/llm"
	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

// Embedder turns text into a storage-ready vector. *llm.Embedder satisfies
// this; tests substitute deterministic fakes.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// EventPublisher receives engine lifecycle events (episode captured, marks,
// consolidation progress). The server's websocket hub implements it; a nil
// publisher disables events.
type EventPublisher interface {
	Publish(kind string, payload any)
}

// Engine is the facade over scoring, retrieval, consolidation and context
// assembly.
type Engine struct {
	store     storage.EpisodeStore
	embedder  Embedder
	generator llm.TextGenerator
	scorer    ScoreStrategy
	cfg       Config
	events    EventPublisher
}

// New builds an Engine. generator may be nil when consolidation is not
// needed; embedder may be nil, which forces degraded keyword retrieval.
func New(store storage.EpisodeStore, embedder Embedder, generator llm.TextGenerator, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		store:     store,
		embedder:  embedder,
		generator: generator,
		scorer:    newScorer(cfg),
		cfg:       cfg,
	}, nil
}

// SetEventPublisher attaches a publisher for lifecycle events.
func (e *Engine) SetEventPublisher(p EventPublisher) {
	e.events = p
}

func (e *Engine) publish(kind string, payload any) {
	if e.events != nil {
		e.events.Publish(kind, payload)
	}
}

// CaptureEpisode validates and persists a new episode, embedding its text
// when an embedding provider is available. Embedding failure does not lose
// the episode: the metadata row is written without a vector and the gap
// shows up in the reconciliation report.
func (e *Engine) CaptureEpisode(ctx context.Context, ep *types.Episode) error {
	if err := ep.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	var vector []float64
	if e.embedder != nil {
		var err error
		vector, err = e.embedder.Embed(ctx, ep.EmbeddingText())
		if err != nil {
			log.Printf("engine: embedding failed for episode %s, storing without vector: %v", ep.ID, err)
			vector = nil
		}
	}

	if err := e.store.StoreEpisode(ctx, ep, vector); err != nil {
		return err
	}

	e.publish("episode_captured", map[string]any{
		"episode_id": ep.ID,
		"task":       ep.Task,
		"project":    ep.ProjectName,
	})
	return nil
}

// GetEpisode returns one episode by ID.
func (e *Engine) GetEpisode(ctx context.Context, id string) (*types.Episode, error) {
	return e.store.GetEpisode(ctx, id)
}

// MarkEpisode applies curation flags and returns the updated record.
// InvalidReference propagates untouched; marks are never silently corrected.
func (e *Engine) MarkEpisode(ctx context.Context, id string, mark storage.Mark) (*types.Episode, error) {
	updated, err := e.store.MarkEpisode(ctx, id, mark)
	if err != nil {
		return nil, err
	}

	e.publish("episode_marked", map[string]any{
		"episode_id":     updated.ID,
		"is_critical":    updated.IsCritical,
		"is_antipattern": updated.IsAntipattern,
		"superseded_by":  updated.SupersededBy,
	})
	return updated, nil
}

// Stats returns aggregate counts for the project scope.
func (e *Engine) Stats(ctx context.Context, project string) (*types.MemoryStats, error) {
	return e.store.Stats(ctx, project)
}

// Timeline returns the chronological episode listing for a project,
// oldest first.
func (e *Engine) Timeline(ctx context.Context, project string, limit int) ([]types.TimelineEntry, error) {
	episodes, err := e.store.ListEpisodes(ctx, storage.EpisodeFilter{
		Project:   project,
		Limit:     limit,
		Ascending: true,
	})
	if err != nil {
		return nil, err
	}

	entries := make([]types.TimelineEntry, 0, len(episodes))
	for _, ep := range episodes {
		entries = append(entries, types.TimelineEntry{
			ID:        ep.ID,
			Timestamp: ep.Timestamp,
			Task:      ep.Task,
			Type:      ep.EpisodeType,
			Summary:   ep.SolutionSummary,
			Tags:      ep.Tags,
			Assistant: ep.SourceAssistant,
			Success:   ep.Success,
		})
	}
	return entries, nil
}

// Lessons flattens lessons-learned across a project's episodes, newest
// episode first, each lesson carrying provenance.
func (e *Engine) Lessons(ctx context.Context, project string, limit int) ([]types.Lesson, error) {
	episodes, err := e.store.ListEpisodes(ctx, storage.EpisodeFilter{
		Project: project,
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}

	var lessons []types.Lesson
	for _, ep := range episodes {
		for _, text := range ep.LessonsLearned {
			lessons = append(lessons, types.Lesson{
				Lesson:    text,
				FromTask:  ep.Task,
				EpisodeID: ep.ID,
				Timestamp: ep.Timestamp,
				Tags:      ep.Tags,
			})
		}
	}
	return lessons, nil
}

// Health runs the dual-persistence reconciliation check.
func (e *Engine) Health(ctx context.Context) (*storage.ReconcileReport, error) {
	return e.store.Reconcile(ctx)
}
