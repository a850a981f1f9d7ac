// Package storage defines the persistence contract for Engram.
//
// A single EpisodeStore abstraction owns both halves of the dual persistence
// model (relational metadata plus vector index). Engines never mutate
// persisted state directly; every mutation is an explicit store operation
// (increment, mark, meta-memory insert) so the store can keep the two halves
// consistent and enforce atomic-increment semantics.
package storage

import (
	"context"

	"github.com/scrypster/engram/pkg/types"
)

// EpisodeStore is the full persistence contract consumed by the engines.
type EpisodeStore interface {
	// StoreEpisode persists an episode and its embedding. The metadata row
	// is written first, the vector second; a failure between the two is
	// detectable via Reconcile. An empty embedding stores metadata only.
	StoreEpisode(ctx context.Context, episode *types.Episode, embedding []float64) error

	// GetEpisode retrieves an episode by ID. Returns ErrNotFound when the
	// ID does not exist.
	GetEpisode(ctx context.Context, id string) (*types.Episode, error)

	// ListEpisodes retrieves episodes matching the filter, newest first
	// unless the filter says otherwise.
	ListEpisodes(ctx context.Context, filter EpisodeFilter) ([]*types.Episode, error)

	// CountEpisodes returns the number of episodes in the project scope.
	// An empty project counts the whole corpus.
	CountEpisodes(ctx context.Context, project string) (int, error)

	// Nearest returns up to k episodes ranked by cosine similarity to the
	// query vector, most similar first, honoring the filter's project and
	// type constraints.
	Nearest(ctx context.Context, vector []float64, k int, filter EpisodeFilter) ([]NearestEpisode, error)

	// SearchKeyword is the degraded-mode retrieval path: plain text match
	// over task, context and summary, no vector involved.
	SearchKeyword(ctx context.Context, query string, filter EpisodeFilter) ([]*types.Episode, error)

	// IncrementAccess atomically increments access_count and stamps
	// last_accessed. Concurrent increments must all be applied; the
	// backends use a relative SQL UPDATE, never read-modify-write.
	// Returns ErrNotFound for unknown IDs.
	IncrementAccess(ctx context.Context, id string) error

	// MarkEpisode applies curation flags. A SupersededBy value referencing
	// a missing episode or the episode itself fails with
	// ErrInvalidReference and leaves the record untouched.
	MarkEpisode(ctx context.Context, id string, mark Mark) (*types.Episode, error)

	// Stats aggregates corpus counts for the project scope.
	Stats(ctx context.Context, project string) (*types.MemoryStats, error)

	// Unconsolidated returns the episodes of a project that no meta-memory
	// references yet, oldest first. Consolidation state is derived from
	// meta-memory provenance rows, so writing a meta-memory atomically
	// consolidates its members.
	Unconsolidated(ctx context.Context, project string) ([]*types.Episode, error)

	// Embeddings returns the stored vectors for the given episode IDs.
	// IDs without a vector are absent from the result, not an error.
	Embeddings(ctx context.Context, ids []string) (map[string][]float64, error)

	// WriteMetaMemory persists a meta-memory, its provenance links and its
	// embedding in one transaction.
	WriteMetaMemory(ctx context.Context, mm *types.MetaMemory, embedding []float64) error

	// GetMetaMemory retrieves a meta-memory by ID.
	GetMetaMemory(ctx context.Context, id string) (*types.MetaMemory, error)

	// ListMetaMemories returns a project's meta-memories, newest first.
	ListMetaMemories(ctx context.Context, project string, limit int) ([]*types.MetaMemory, error)

	// NearestMetaMemories ranks meta-memories by cosine similarity.
	NearestMetaMemories(ctx context.Context, vector []float64, k int, project string) ([]NearestMetaMemory, error)

	// IncrementMetaAccess bumps a meta-memory's access_count and stamps
	// last_accessed, under the same relative-UPDATE contract as
	// IncrementAccess. Returns ErrNotFound for unknown IDs.
	IncrementMetaAccess(ctx context.Context, id string) error

	// Reconcile cross-checks the metadata and vector halves and reports
	// (never repairs) orphans on either side.
	Reconcile(ctx context.Context) (*ReconcileReport, error)

	// Close releases the store's resources.
	Close() error
}
