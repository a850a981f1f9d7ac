package storage

import (
	"errors"
	"time"

	"github.com/scrypster/engram/pkg/types"
)

var (
	// ErrNotFound indicates the referenced episode or meta-memory does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidReference indicates a reference (e.g. superseded_by) points
	// to a missing record or to the record itself.
	ErrInvalidReference = errors.New("invalid reference")
)

// EpisodeFilter narrows episode queries. Zero values mean "no constraint".
type EpisodeFilter struct {
	// Project scopes the query to one project name.
	Project string

	// Type restricts to a single episode type.
	Type types.EpisodeType

	// Tag restricts to episodes carrying the given tag.
	Tag string

	// Limit caps the number of rows returned (default 50, max 500).
	Limit int

	// SortBy is one of "timestamp" or "access_count" (default "timestamp").
	SortBy string

	// Ascending flips the default newest-first ordering.
	Ascending bool
}

// Normalize applies defaults and bounds.
func (f *EpisodeFilter) Normalize() {
	if f.Limit < 1 {
		f.Limit = 50
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
	if f.SortBy != "timestamp" && f.SortBy != "access_count" {
		f.SortBy = "timestamp"
	}
}

// Mark carries the optional curation flags for MarkEpisode. Nil fields are
// left unchanged.
type Mark struct {
	IsCritical        *bool
	IsAntipattern     *bool
	SupersededBy      *string
	DeprecationReason *string
}

// IsEmpty reports whether the mark would change nothing.
func (m Mark) IsEmpty() bool {
	return m.IsCritical == nil && m.IsAntipattern == nil &&
		m.SupersededBy == nil && m.DeprecationReason == nil
}

// NearestEpisode is one vector-search hit: the episode plus its cosine
// similarity to the query vector.
type NearestEpisode struct {
	Episode    *types.Episode
	Similarity float64
}

// NearestMetaMemory is one vector-search hit over meta-memories.
type NearestMetaMemory struct {
	MetaMemory *types.MetaMemory
	Similarity float64
}

// ReconcileReport is the result of a dual-persistence health check. Lists
// identify the orphaned side; the report never implies repair happened.
type ReconcileReport struct {
	CheckedAt time.Time `json:"checked_at"`

	// EpisodesWithoutVector lists episode IDs with a metadata row but no
	// stored embedding.
	EpisodesWithoutVector []string `json:"episodes_without_vector"`

	// VectorsWithoutEpisode lists embedding rows whose episode metadata is
	// missing.
	VectorsWithoutEpisode []string `json:"vectors_without_episode"`

	// MetaMemoriesWithoutVector lists meta-memory IDs lacking an embedding.
	MetaMemoriesWithoutVector []string `json:"meta_memories_without_vector"`
}

// Healthy reports whether both halves are consistent.
func (r *ReconcileReport) Healthy() bool {
	return len(r.EpisodesWithoutVector) == 0 &&
		len(r.VectorsWithoutEpisode) == 0 &&
		len(r.MetaMemoriesWithoutVector) == 0
}
