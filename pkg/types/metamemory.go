package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MetaMemory is consolidated knowledge synthesized from a cluster of similar
// episodes. Created only by the consolidation engine; immutable afterwards.
// Re-consolidation writes a new record rather than overwriting an old one.
type MetaMemory struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	// Pattern is the common theme connecting the source episodes;
	// PatternSummary is its one-sentence executive form.
	Pattern        string `json:"pattern"`
	PatternSummary string `json:"pattern_summary"`

	// Consolidated knowledge extracted by the synthesis step.
	Lessons       []string `json:"lessons,omitempty"`
	BestPractices []string `json:"best_practices,omitempty"`
	Antipatterns  []string `json:"antipatterns,omitempty"`
	Exceptions    []string `json:"exceptions,omitempty"`
	EdgeCases     []string `json:"edge_cases,omitempty"`
	Contexts      []string `json:"contexts,omitempty"`
	Technologies  []string `json:"technologies,omitempty"`

	// Provenance: the episodes this meta-memory was synthesized from.
	SourceEpisodeIDs []string `json:"source_episode_ids"`
	EpisodeCount     int      `json:"episode_count"`

	// Confidence grows with cluster size; CoherenceScore is the synthesis
	// step's judgment of how related the source episodes are. Both in [0,1].
	Confidence     float64 `json:"confidence"`
	CoherenceScore float64 `json:"coherence_score"`

	ProjectName string   `json:"project_name"`
	Tags        []string `json:"tags,omitempty"`

	AccessCount  int        `json:"access_count"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
}

// NewMetaMemory returns a MetaMemory with generated identity and timestamps.
func NewMetaMemory(projectName string) *MetaMemory {
	return &MetaMemory{
		ID:          uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		ProjectName: projectName,
		Confidence:  0.5,
	}
}

// Validate checks the structural invariants of a meta-memory. minClusterSize
// is the configured minimum number of source episodes.
func (m *MetaMemory) Validate(minClusterSize int) error {
	if m.ID == "" {
		return fmt.Errorf("meta-memory id is required")
	}
	if _, err := uuid.Parse(m.ID); err != nil {
		return fmt.Errorf("meta-memory id %q is not a valid UUID: %w", m.ID, err)
	}
	if m.Pattern == "" {
		return fmt.Errorf("meta-memory pattern is required")
	}
	if m.ProjectName == "" {
		return fmt.Errorf("meta-memory project name is required")
	}
	if len(m.SourceEpisodeIDs) < minClusterSize {
		return fmt.Errorf("meta-memory has %d source episodes, minimum is %d",
			len(m.SourceEpisodeIDs), minClusterSize)
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return fmt.Errorf("confidence %.3f out of range [0,1]", m.Confidence)
	}
	if m.CoherenceScore < 0 || m.CoherenceScore > 1 {
		return fmt.Errorf("coherence score %.3f out of range [0,1]", m.CoherenceScore)
	}
	return nil
}

// SynthesisResult is the structured output of the external synthesis
// collaborator for one cluster. CoherenceScore may arrive out of range from
// a misbehaving model; the consolidator clamps it and records a data error.
type SynthesisResult struct {
	Pattern        string   `json:"pattern"`
	PatternSummary string   `json:"pattern_summary"`
	Lessons        []string `json:"lessons"`
	BestPractices  []string `json:"best_practices"`
	Antipatterns   []string `json:"antipatterns"`
	Exceptions     []string `json:"exceptions"`
	EdgeCases      []string `json:"edge_cases"`
	Contexts       []string `json:"contexts"`
	Technologies   []string `json:"technologies"`
	CoherenceScore float64  `json:"coherence_score"`
}
