// Package types defines the data model shared across the Engram system:
// episodes of captured technical reasoning, consolidated meta-memories,
// and the payload shapes returned to callers.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EpisodeType classifies what kind of work an episode captures.
type EpisodeType string

const (
	EpisodeDecision     EpisodeType = "decision"
	EpisodeBugFix       EpisodeType = "bug_fix"
	EpisodeRefactor     EpisodeType = "refactor"
	EpisodeFeature      EpisodeType = "feature"
	EpisodeOptimization EpisodeType = "optimization"
	EpisodeLearning     EpisodeType = "learning"
	EpisodeExperiment   EpisodeType = "experiment"
	EpisodeOnboarding   EpisodeType = "onboarding"
)

// ValidEpisodeTypes lists every accepted episode type value.
var ValidEpisodeTypes = []EpisodeType{
	EpisodeDecision,
	EpisodeBugFix,
	EpisodeRefactor,
	EpisodeFeature,
	EpisodeOptimization,
	EpisodeLearning,
	EpisodeExperiment,
	EpisodeOnboarding,
}

// IsValid reports whether t is one of the known episode types.
func (t EpisodeType) IsValid() bool {
	for _, v := range ValidEpisodeTypes {
		if t == v {
			return true
		}
	}
	return false
}

// ReasoningTrace is the captured "thinking" of an assistant: the raw
// reasoning text plus the structure extracted from it.
type ReasoningTrace struct {
	RawThinking            string   `json:"raw_thinking"`
	AlternativesConsidered []string `json:"alternatives_considered,omitempty"`
	DecisionFactors        []string `json:"decision_factors,omitempty"`

	// ConfidenceLevel is the assistant's own confidence in the decision,
	// in [0,1]. Nil when the structuring step did not report one.
	ConfidenceLevel *float64 `json:"confidence_level,omitempty"`
}

// Episode is the fundamental unit of stored knowledge: one persisted record
// of a technical decision with its full reasoning context.
//
// Engagement metadata (AccessCount, IsCritical, IsAntipattern, SupersededBy,
// DeprecationReason) is mutable through the store's explicit mutation
// operations; everything else is fixed at creation. Episodes are never
// hard-deleted; superseding replaces deletion.
type Episode struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	// Content
	Task           string         `json:"task"`
	Context        string         `json:"context"`
	ReasoningTrace ReasoningTrace `json:"reasoning_trace"`
	Solution       string         `json:"solution"`
	SolutionSummary string        `json:"solution_summary"`

	// Outcome
	Outcome string `json:"outcome,omitempty"`
	Success bool   `json:"success"`

	// Classification
	EpisodeType     EpisodeType `json:"episode_type"`
	Tags            []string    `json:"tags,omitempty"`
	FilesAffected   []string    `json:"files_affected,omitempty"`
	LessonsLearned  []string    `json:"lessons_learned,omitempty"`
	SourceAssistant string      `json:"source_assistant"`
	ProjectName     string      `json:"project_name"`

	// ImportanceScore is the base relevance in [0,1] assigned at creation.
	// Immutable after that.
	ImportanceScore float64 `json:"importance_score"`

	// Engagement metadata (mutable through store operations only).
	AccessCount       int        `json:"access_count"`
	LastAccessed      *time.Time `json:"last_accessed,omitempty"`
	IsCritical        bool       `json:"is_critical"`
	IsAntipattern     bool       `json:"is_antipattern"`
	SupersededBy      string     `json:"superseded_by,omitempty"`
	DeprecationReason string     `json:"deprecation_reason,omitempty"`
}

// NewEpisode returns an Episode with generated identity, the default type,
// full importance, and the creation timestamp set to now (UTC).
func NewEpisode(task, context string) *Episode {
	return &Episode{
		ID:              uuid.NewString(),
		Timestamp:       time.Now().UTC(),
		Task:            task,
		Context:         context,
		Success:         true,
		EpisodeType:     EpisodeDecision,
		SourceAssistant: "unknown",
		ProjectName:     "default",
		ImportanceScore: 1.0,
	}
}

// NewDecision builds a decision episode from already-structured fields.
// No model round trip is involved; callers that have the reasoning in
// hand record it directly.
func NewDecision(task, context, solution string, trace ReasoningTrace) *Episode {
	ep := NewEpisode(task, context)
	ep.Solution = solution
	ep.ReasoningTrace = trace
	return ep
}

// NewQuickCapture records a lightweight observation: task and solution
// only, at reduced importance.
func NewQuickCapture(task, solution string) *Episode {
	ep := NewEpisode(task, "")
	ep.Solution = solution
	ep.EpisodeType = EpisodeLearning
	ep.ImportanceScore = 0.5
	return ep
}

// Validate checks the structural invariants of an episode.
func (e *Episode) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("episode id is required")
	}
	if _, err := uuid.Parse(e.ID); err != nil {
		return fmt.Errorf("episode id %q is not a valid UUID: %w", e.ID, err)
	}
	if e.Task == "" {
		return fmt.Errorf("episode task is required")
	}
	if e.ProjectName == "" {
		return fmt.Errorf("episode project name is required")
	}
	if !e.EpisodeType.IsValid() {
		return fmt.Errorf("unknown episode type %q", e.EpisodeType)
	}
	if e.ImportanceScore < 0 || e.ImportanceScore > 1 {
		return fmt.Errorf("importance score %.3f out of range [0,1]", e.ImportanceScore)
	}
	if e.AccessCount < 0 {
		return fmt.Errorf("access count must be non-negative, got %d", e.AccessCount)
	}
	if c := e.ReasoningTrace.ConfidenceLevel; c != nil && (*c < 0 || *c > 1) {
		return fmt.Errorf("confidence level %.3f out of range [0,1]", *c)
	}
	if e.SupersededBy == e.ID && e.SupersededBy != "" {
		return fmt.Errorf("episode cannot supersede itself")
	}
	return nil
}

// EmbeddingText returns the text the embedding is computed over: the task,
// context and summary, plus lessons when present. Keeping this in one place
// guarantees store and query embeddings agree on the input shape.
func (e *Episode) EmbeddingText() string {
	text := "Task: " + e.Task + "\nContext: " + e.Context + "\nSolution: " + e.SolutionSummary
	if len(e.LessonsLearned) > 0 {
		text += "\nLessons:"
		for _, l := range e.LessonsLearned {
			text += " " + l
		}
	}
	return text
}
