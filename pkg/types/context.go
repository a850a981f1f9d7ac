package types

import "time"

// ScoredEpisode pairs an episode with the relevance computed for one query.
type ScoredEpisode struct {
	Episode *Episode `json:"episode"`

	// SemanticScore is the raw cosine similarity against the query vector.
	SemanticScore float64 `json:"semantic_score"`

	// FinalScore is SemanticScore after boost, importance and curation
	// modifiers have been applied. May exceed 1 due to reinforcement.
	FinalScore float64 `json:"final_score"`

	// MatchReason is a short human-readable explanation of the ranking.
	MatchReason string `json:"match_reason,omitempty"`
}

// ScoredMetaMemory pairs a meta-memory with its relevance for one query.
type ScoredMetaMemory struct {
	MetaMemory    *MetaMemory `json:"meta_memory"`
	SemanticScore float64     `json:"semantic_score"`
	FinalScore    float64     `json:"final_score"`
}

// AntipatternWarning surfaces an antipattern episode that matched the query.
// Warnings travel in their own channel so demotion in the ranked list can
// never hide them.
type AntipatternWarning struct {
	EpisodeID     string  `json:"episode_id"`
	Task          string  `json:"task"`
	Lesson        string  `json:"lesson"`
	SemanticScore float64 `json:"semantic_score"`

	// Reasoning carries the full raw thinking when the caller asked for it.
	Reasoning string `json:"reasoning,omitempty"`
}

// MemoryStats aggregates corpus-level counts for one project scope.
type MemoryStats struct {
	TotalEpisodes     int            `json:"total_episodes"`
	TotalMetaMemories int            `json:"total_meta_memories"`
	ByType            map[string]int `json:"by_type,omitempty"`
	ByAssistant       map[string]int `json:"by_assistant,omitempty"`
	ByTag             map[string]int `json:"by_tag,omitempty"`
}

// ContextMode identifies which payload branch a context response used.
type ContextMode string

const (
	// ContextModeEmpty means the scope holds no episodes at all.
	ContextModeEmpty ContextMode = "empty"

	// ContextModeFull means the corpus was small enough to return whole.
	ContextModeFull ContextMode = "full_context"

	// ContextModeSmart means the hybrid stats + recent + relevant payload.
	ContextModeSmart ContextMode = "smart_context"
)

// ContextPayload is the assembled response returned to the caller. Ordering
// inside each slice is the retrieval engine's ranking and must be preserved
// by any serialization.
type ContextPayload struct {
	Mode    ContextMode `json:"mode"`
	Message string      `json:"message,omitempty"`

	// Statistics and RecentEpisodes are only populated in smart mode.
	Statistics     *MemoryStats `json:"statistics,omitempty"`
	RecentEpisodes []*Episode   `json:"recent_episodes,omitempty"`

	RelevantEpisodes     []ScoredEpisode      `json:"relevant_episodes"`
	RelevantMetaMemories []ScoredMetaMemory   `json:"relevant_meta_memories"`
	AntipatternWarnings  []AntipatternWarning `json:"antipattern_warnings"`

	// ConsolidationHint is set when the eligibility check recommends a
	// consolidation run for this scope.
	ConsolidationHint string `json:"consolidation_hint,omitempty"`

	// Degraded is true when semantic ranking was unavailable and the
	// payload was assembled from metadata/keyword retrieval only.
	Degraded bool `json:"degraded,omitempty"`
}

// TimelineEntry is one row of the chronological decision timeline.
type TimelineEntry struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Task      string      `json:"task"`
	Type      EpisodeType `json:"type"`
	Summary   string      `json:"summary"`
	Tags      []string    `json:"tags,omitempty"`
	Assistant string      `json:"assistant"`
	Success   bool        `json:"success"`
}

// Lesson is one aggregated lessons-learned row with provenance.
type Lesson struct {
	Lesson    string    `json:"lesson"`
	FromTask  string    `json:"from_task"`
	EpisodeID string    `json:"episode_id"`
	Timestamp time.Time `json:"timestamp"`
	Tags      []string  `json:"tags,omitempty"`
}
