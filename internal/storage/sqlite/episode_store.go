// Package sqlite provides an embedded, zero-dependency implementation of the
// Engram storage contract. Embeddings live in the same database as the
// metadata (binary BLOBs) and nearest-neighbor search is an in-process
// cosine scan, which is plenty for single-machine corpora.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

// Store implements storage.EpisodeStore on SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.EpisodeStore = (*Store)(nil)

// Open opens (or creates) the database at dsn and applies the schema.
// Use ":memory:" for an ephemeral store in tests.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// modernc.org/sqlite serializes writes; one connection avoids
	// SQLITE_BUSY under concurrent access.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: failed to set pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// DB returns the underlying connection, used by the config layer for
// settings persistence.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// episodeColumns is the canonical SELECT list for the episodes table. It
// must match the scan order in scanEpisode.
const episodeColumns = `
	id, timestamp, task, context, reasoning_trace, solution, solution_summary,
	outcome, success, episode_type, tags, files_affected, lessons_learned,
	source_assistant, project_name, importance_score,
	access_count, last_accessed, is_critical, is_antipattern,
	superseded_by, deprecation_reason
`

// StoreEpisode persists the episode metadata and, when an embedding is
// provided, its vector. Metadata is written first so a vector write failure
// leaves a detectable (not silent) inconsistency for Reconcile.
func (s *Store) StoreEpisode(ctx context.Context, episode *types.Episode, embedding []float64) error {
	if episode == nil {
		return storage.ErrInvalidInput
	}
	if err := episode.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	trace, err := json.Marshal(episode.ReasoningTrace)
	if err != nil {
		return fmt.Errorf("sqlite: marshal reasoning trace: %w", err)
	}

	const insertSQL = `
		INSERT INTO episodes (
			id, timestamp, task, context, reasoning_trace, solution,
			solution_summary, outcome, success, episode_type, tags,
			files_affected, lessons_learned, source_assistant, project_name,
			importance_score, access_count, last_accessed, is_critical,
			is_antipattern, superseded_by, deprecation_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, insertSQL,
		episode.ID,
		episode.Timestamp.UTC(),
		episode.Task,
		episode.Context,
		string(trace),
		episode.Solution,
		episode.SolutionSummary,
		episode.Outcome,
		boolToInt(episode.Success),
		string(episode.EpisodeType),
		marshalList(episode.Tags),
		marshalList(episode.FilesAffected),
		marshalList(episode.LessonsLearned),
		episode.SourceAssistant,
		episode.ProjectName,
		episode.ImportanceScore,
		episode.AccessCount,
		nullableTime(episode.LastAccessed),
		boolToInt(episode.IsCritical),
		boolToInt(episode.IsAntipattern),
		nullableString(episode.SupersededBy),
		nullableString(episode.DeprecationReason),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert episode %s: %w", episode.ID, err)
	}

	if len(embedding) > 0 {
		if err := s.storeEmbedding(ctx, episode.ID, "episode", embedding); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) storeEmbedding(ctx context.Context, ownerID, kind string, vector []float64) error {
	const upsertSQL = `
		INSERT INTO embeddings (owner_id, owner_kind, vector, dimension)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			vector = excluded.vector,
			dimension = excluded.dimension
	`
	_, err := s.db.ExecContext(ctx, upsertSQL, ownerID, kind, encodeVector(vector), len(vector))
	if err != nil {
		return fmt.Errorf("sqlite: store embedding for %s: %w", ownerID, err)
	}
	return nil
}

// GetEpisode retrieves an episode by ID.
func (s *Store) GetEpisode(ctx context.Context, id string) (*types.Episode, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: episode ID is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE id = ?`, id)

	episode, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: episode %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return episode, nil
}

// ListEpisodes retrieves episodes matching the filter.
func (s *Store) ListEpisodes(ctx context.Context, filter storage.EpisodeFilter) ([]*types.Episode, error) {
	filter.Normalize()

	where, args := filterClause(filter)
	order := "timestamp"
	if filter.SortBy == "access_count" {
		order = "access_count"
	}
	dir := "DESC"
	if filter.Ascending {
		dir = "ASC"
	}

	query := `SELECT ` + episodeColumns + ` FROM episodes` + where +
		fmt.Sprintf(" ORDER BY %s %s LIMIT ?", order, dir)
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list episodes: %w", err)
	}
	defer rows.Close()

	return scanEpisodes(rows)
}

// CountEpisodes returns the episode count for the project scope.
func (s *Store) CountEpisodes(ctx context.Context, project string) (int, error) {
	query := `SELECT COUNT(*) FROM episodes`
	var args []any
	if project != "" {
		query += ` WHERE project_name = ?`
		args = append(args, project)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count episodes: %w", err)
	}
	return n, nil
}

// Nearest scans the stored episode vectors and returns the k most cosine-
// similar episodes. The scan is in-process: fine at embedded-database scale,
// and the Postgres backend takes over when an index is needed.
func (s *Store) Nearest(ctx context.Context, vector []float64, k int, filter storage.EpisodeFilter) ([]storage.NearestEpisode, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: query vector is required", storage.ErrInvalidInput)
	}
	if k < 1 {
		k = 10
	}

	where, args := filterClause(filter)
	// Filter columns are unambiguous in this join: embeddings carries none
	// of them.
	query := `
		SELECT ` + qualified(episodeColumns, "e") + `, emb.vector
		FROM episodes e
		JOIN embeddings emb ON emb.owner_id = e.id AND emb.owner_kind = 'episode'` + where

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: nearest query: %w", err)
	}
	defer rows.Close()

	var hits []storage.NearestEpisode
	for rows.Next() {
		episode, blob, err := scanEpisodeWithVector(rows)
		if err != nil {
			return nil, err
		}
		candidate, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("sqlite: decode vector for %s: %w", episode.ID, err)
		}
		hits = append(hits, storage.NearestEpisode{
			Episode:    episode,
			Similarity: cosineSimilarity(vector, candidate),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: nearest rows: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// SearchKeyword matches query terms against task, context and summary with
// LIKE. Every term must match somewhere (AND semantics), mirroring the
// degraded-retrieval contract.
func (s *Store) SearchKeyword(ctx context.Context, query string, filter storage.EpisodeFilter) ([]*types.Episode, error) {
	filter.Normalize()
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return s.ListEpisodes(ctx, filter)
	}

	where, args := filterClause(filter)
	var clauses []string
	for _, term := range terms {
		clauses = append(clauses,
			`(LOWER(task) LIKE ? OR LOWER(context) LIKE ? OR LOWER(solution_summary) LIKE ?)`)
		pattern := "%" + term + "%"
		args = append(args, pattern, pattern, pattern)
	}

	joiner := " WHERE "
	if where != "" {
		joiner = " AND "
	}
	sqlText := `SELECT ` + episodeColumns + ` FROM episodes` + where + joiner +
		strings.Join(clauses, " AND ") + ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: keyword search: %w", err)
	}
	defer rows.Close()

	return scanEpisodes(rows)
}

// IncrementAccess applies a relative UPDATE so concurrent increments never
// lose updates.
func (s *Store) IncrementAccess(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE episodes
		SET access_count = access_count + 1, last_accessed = ?
		WHERE id = ?
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: increment access for %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: increment access rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: episode %s", storage.ErrNotFound, id)
	}
	return nil
}

// IncrementMetaAccess is the meta-memory counterpart of IncrementAccess.
func (s *Store) IncrementMetaAccess(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE meta_memories
		SET access_count = access_count + 1, last_accessed = ?
		WHERE id = ?
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: increment meta access for %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: increment meta access rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: meta-memory %s", storage.ErrNotFound, id)
	}
	return nil
}

// MarkEpisode applies curation flags, validating superseded_by references
// before touching the row.
func (s *Store) MarkEpisode(ctx context.Context, id string, mark storage.Mark) (*types.Episode, error) {
	if mark.IsEmpty() {
		return nil, fmt.Errorf("%w: mark specifies no changes", storage.ErrInvalidInput)
	}

	if mark.SupersededBy != nil && *mark.SupersededBy != "" {
		if *mark.SupersededBy == id {
			return nil, fmt.Errorf("%w: episode %s cannot supersede itself", storage.ErrInvalidReference, id)
		}
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM episodes WHERE id = ?`, *mark.SupersededBy).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("sqlite: check superseded_by: %w", err)
		}
		if exists == 0 {
			return nil, fmt.Errorf("%w: superseded_by %s does not exist", storage.ErrInvalidReference, *mark.SupersededBy)
		}
	}

	var sets []string
	var args []any
	if mark.IsCritical != nil {
		sets = append(sets, "is_critical = ?")
		args = append(args, boolToInt(*mark.IsCritical))
	}
	if mark.IsAntipattern != nil {
		sets = append(sets, "is_antipattern = ?")
		args = append(args, boolToInt(*mark.IsAntipattern))
	}
	if mark.SupersededBy != nil {
		sets = append(sets, "superseded_by = ?")
		args = append(args, nullableString(*mark.SupersededBy))
	}
	if mark.DeprecationReason != nil {
		sets = append(sets, "deprecation_reason = ?")
		args = append(args, nullableString(*mark.DeprecationReason))
	}
	args = append(args, id)

	result, err := s.db.ExecContext(ctx,
		`UPDATE episodes SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: mark episode %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: mark rows affected: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: episode %s", storage.ErrNotFound, id)
	}

	return s.GetEpisode(ctx, id)
}

// Stats aggregates corpus counts for the project scope.
func (s *Store) Stats(ctx context.Context, project string) (*types.MemoryStats, error) {
	stats := &types.MemoryStats{
		ByType:      make(map[string]int),
		ByAssistant: make(map[string]int),
		ByTag:       make(map[string]int),
	}

	var err error
	stats.TotalEpisodes, err = s.CountEpisodes(ctx, project)
	if err != nil {
		return nil, err
	}

	metaQuery := `SELECT COUNT(*) FROM meta_memories`
	var metaArgs []any
	if project != "" {
		metaQuery += ` WHERE project_name = ?`
		metaArgs = append(metaArgs, project)
	}
	if err := s.db.QueryRowContext(ctx, metaQuery, metaArgs...).Scan(&stats.TotalMetaMemories); err != nil {
		return nil, fmt.Errorf("sqlite: count meta-memories: %w", err)
	}

	groupQuery := `SELECT episode_type, source_assistant, tags FROM episodes`
	var groupArgs []any
	if project != "" {
		groupQuery += ` WHERE project_name = ?`
		groupArgs = append(groupArgs, project)
	}
	rows, err := s.db.QueryContext(ctx, groupQuery, groupArgs...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: stats query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var epType, assistant, tagsJSON string
		if err := rows.Scan(&epType, &assistant, &tagsJSON); err != nil {
			return nil, fmt.Errorf("sqlite: stats scan: %w", err)
		}
		stats.ByType[epType]++
		stats.ByAssistant[assistant]++
		for _, tag := range unmarshalList(tagsJSON) {
			stats.ByTag[tag]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: stats rows: %w", err)
	}

	return stats, nil
}

// Unconsolidated returns episodes not referenced by any meta-memory, oldest
// first so clustering sees a stable ordering.
func (s *Store) Unconsolidated(ctx context.Context, project string) ([]*types.Episode, error) {
	query := `
		SELECT ` + episodeColumns + `
		FROM episodes
		WHERE id NOT IN (SELECT episode_id FROM meta_memory_sources)
	`
	var args []any
	if project != "" {
		query += ` AND project_name = ?`
		args = append(args, project)
	}
	query += ` ORDER BY timestamp ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: unconsolidated query: %w", err)
	}
	defer rows.Close()

	return scanEpisodes(rows)
}

// Embeddings returns stored vectors for the given episode IDs.
func (s *Store) Embeddings(ctx context.Context, ids []string) (map[string][]float64, error) {
	result := make(map[string][]float64, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id, vector FROM embeddings
		WHERE owner_kind = 'episode' AND owner_id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: embeddings query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("sqlite: embeddings scan: %w", err)
		}
		vector, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("sqlite: decode vector for %s: %w", id, err)
		}
		result[id] = vector
	}
	return result, rows.Err()
}

// WriteMetaMemory persists the meta-memory, its provenance links and its
// embedding in a single transaction: provenance rows are what marks the
// member episodes consolidated, so partial writes must not be observable.
func (s *Store) WriteMetaMemory(ctx context.Context, mm *types.MetaMemory, embedding []float64) error {
	if mm == nil {
		return storage.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin meta-memory tx: %w", err)
	}
	defer tx.Rollback()

	const insertSQL = `
		INSERT INTO meta_memories (
			id, created_at, pattern, pattern_summary, lessons, best_practices,
			antipatterns, exceptions, edge_cases, contexts, technologies,
			episode_count, confidence, coherence_score, project_name, tags,
			access_count, last_accessed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, insertSQL,
		mm.ID,
		mm.CreatedAt.UTC(),
		mm.Pattern,
		mm.PatternSummary,
		marshalList(mm.Lessons),
		marshalList(mm.BestPractices),
		marshalList(mm.Antipatterns),
		marshalList(mm.Exceptions),
		marshalList(mm.EdgeCases),
		marshalList(mm.Contexts),
		marshalList(mm.Technologies),
		mm.EpisodeCount,
		mm.Confidence,
		mm.CoherenceScore,
		mm.ProjectName,
		marshalList(mm.Tags),
		mm.AccessCount,
		nullableTime(mm.LastAccessed),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert meta-memory %s: %w", mm.ID, err)
	}

	for i, episodeID := range mm.SourceEpisodeIDs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO meta_memory_sources (meta_id, episode_id, position)
			VALUES (?, ?, ?)
		`, mm.ID, episodeID, i)
		if err != nil {
			return fmt.Errorf("sqlite: link source episode %s: %w", episodeID, err)
		}
	}

	if len(embedding) > 0 {
		const upsertSQL = `
			INSERT INTO embeddings (owner_id, owner_kind, vector, dimension)
			VALUES (?, 'meta_memory', ?, ?)
			ON CONFLICT(owner_id) DO UPDATE SET
				vector = excluded.vector,
				dimension = excluded.dimension
		`
		if _, err := tx.ExecContext(ctx, upsertSQL, mm.ID, encodeVector(embedding), len(embedding)); err != nil {
			return fmt.Errorf("sqlite: store meta-memory embedding: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit meta-memory: %w", err)
	}
	return nil
}

// metaColumns is the canonical SELECT list for meta_memories. It must match
// the scan order in scanMetaMemory.
const metaColumns = `
	id, created_at, pattern, pattern_summary, lessons, best_practices,
	antipatterns, exceptions, edge_cases, contexts, technologies,
	episode_count, confidence, coherence_score, project_name, tags,
	access_count, last_accessed
`

// GetMetaMemory retrieves a meta-memory by ID, including provenance.
func (s *Store) GetMetaMemory(ctx context.Context, id string) (*types.MetaMemory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+metaColumns+` FROM meta_memories WHERE id = ?`, id)

	mm, err := scanMetaMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: meta-memory %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadSources(ctx, mm); err != nil {
		return nil, err
	}
	return mm, nil
}

// ListMetaMemories returns a project's meta-memories, newest first.
func (s *Store) ListMetaMemories(ctx context.Context, project string, limit int) ([]*types.MetaMemory, error) {
	if limit < 1 {
		limit = 20
	}

	query := `SELECT ` + metaColumns + ` FROM meta_memories`
	var args []any
	if project != "" {
		query += ` WHERE project_name = ?`
		args = append(args, project)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list meta-memories: %w", err)
	}
	defer rows.Close()

	var metas []*types.MetaMemory
	for rows.Next() {
		mm, err := scanMetaMemory(rows)
		if err != nil {
			return nil, err
		}
		metas = append(metas, mm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list meta-memories rows: %w", err)
	}

	for _, mm := range metas {
		if err := s.loadSources(ctx, mm); err != nil {
			return nil, err
		}
	}
	return metas, nil
}

// NearestMetaMemories ranks meta-memories by cosine similarity.
func (s *Store) NearestMetaMemories(ctx context.Context, vector []float64, k int, project string) ([]storage.NearestMetaMemory, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: query vector is required", storage.ErrInvalidInput)
	}
	if k < 1 {
		k = 3
	}

	query := `
		SELECT ` + qualified(metaColumns, "m") + `, emb.vector
		FROM meta_memories m
		JOIN embeddings emb ON emb.owner_id = m.id AND emb.owner_kind = 'meta_memory'
	`
	var args []any
	if project != "" {
		query += ` WHERE m.project_name = ?`
		args = append(args, project)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: nearest meta-memories: %w", err)
	}
	defer rows.Close()

	var hits []storage.NearestMetaMemory
	for rows.Next() {
		mm, blob, err := scanMetaMemoryWithVector(rows)
		if err != nil {
			return nil, err
		}
		candidate, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("sqlite: decode meta vector for %s: %w", mm.ID, err)
		}
		hits = append(hits, storage.NearestMetaMemory{
			MetaMemory: mm,
			Similarity: cosineSimilarity(vector, candidate),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: nearest meta rows: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})
	if len(hits) > k {
		hits = hits[:k]
	}

	for _, hit := range hits {
		if err := s.loadSources(ctx, hit.MetaMemory); err != nil {
			return nil, err
		}
	}
	return hits, nil
}

// Reconcile cross-checks the metadata and embedding tables.
func (s *Store) Reconcile(ctx context.Context) (*storage.ReconcileReport, error) {
	report := &storage.ReconcileReport{CheckedAt: time.Now().UTC()}

	collect := func(query string) ([]string, error) {
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("sqlite: reconcile query: %w", err)
		}
		defer rows.Close()

		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, fmt.Errorf("sqlite: reconcile scan: %w", err)
			}
			ids = append(ids, id)
		}
		return ids, rows.Err()
	}

	var err error
	report.EpisodesWithoutVector, err = collect(`
		SELECT e.id FROM episodes e
		LEFT JOIN embeddings emb ON emb.owner_id = e.id AND emb.owner_kind = 'episode'
		WHERE emb.owner_id IS NULL
	`)
	if err != nil {
		return nil, err
	}

	report.VectorsWithoutEpisode, err = collect(`
		SELECT emb.owner_id FROM embeddings emb
		LEFT JOIN episodes e ON e.id = emb.owner_id
		WHERE emb.owner_kind = 'episode' AND e.id IS NULL
	`)
	if err != nil {
		return nil, err
	}

	report.MetaMemoriesWithoutVector, err = collect(`
		SELECT m.id FROM meta_memories m
		LEFT JOIN embeddings emb ON emb.owner_id = m.id AND emb.owner_kind = 'meta_memory'
		WHERE emb.owner_id IS NULL
	`)
	if err != nil {
		return nil, err
	}

	return report, nil
}

func (s *Store) loadSources(ctx context.Context, mm *types.MetaMemory) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT episode_id FROM meta_memory_sources
		WHERE meta_id = ? ORDER BY position ASC
	`, mm.ID)
	if err != nil {
		return fmt.Errorf("sqlite: load sources for %s: %w", mm.ID, err)
	}
	defer rows.Close()

	mm.SourceEpisodeIDs = nil
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("sqlite: scan source id: %w", err)
		}
		mm.SourceEpisodeIDs = append(mm.SourceEpisodeIDs, id)
	}
	return rows.Err()
}

// ---------------------------------------------------------------------------
// Row scanning
// ---------------------------------------------------------------------------

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEpisode(row scanner) (*types.Episode, error) {
	var episode types.Episode
	var traceJSON, tagsJSON, filesJSON, lessonsJSON string
	var success, isCritical, isAntipattern int
	var lastAccessed sql.NullTime
	var supersededBy, deprecationReason sql.NullString

	err := row.Scan(
		&episode.ID,
		&episode.Timestamp,
		&episode.Task,
		&episode.Context,
		&traceJSON,
		&episode.Solution,
		&episode.SolutionSummary,
		&episode.Outcome,
		&success,
		&episode.EpisodeType,
		&tagsJSON,
		&filesJSON,
		&lessonsJSON,
		&episode.SourceAssistant,
		&episode.ProjectName,
		&episode.ImportanceScore,
		&episode.AccessCount,
		&lastAccessed,
		&isCritical,
		&isAntipattern,
		&supersededBy,
		&deprecationReason,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("sqlite: scan episode: %w", err)
	}

	if err := json.Unmarshal([]byte(traceJSON), &episode.ReasoningTrace); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal reasoning trace: %w", err)
	}
	episode.Tags = unmarshalList(tagsJSON)
	episode.FilesAffected = unmarshalList(filesJSON)
	episode.LessonsLearned = unmarshalList(lessonsJSON)
	episode.Success = success != 0
	episode.IsCritical = isCritical != 0
	episode.IsAntipattern = isAntipattern != 0
	if lastAccessed.Valid {
		t := lastAccessed.Time
		episode.LastAccessed = &t
	}
	if supersededBy.Valid {
		episode.SupersededBy = supersededBy.String
	}
	if deprecationReason.Valid {
		episode.DeprecationReason = deprecationReason.String
	}

	return &episode, nil
}

func scanEpisodes(rows *sql.Rows) ([]*types.Episode, error) {
	var episodes []*types.Episode
	for rows.Next() {
		episode, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, episode)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: episode rows: %w", err)
	}
	return episodes, nil
}

// scanEpisodeWithVector scans an episode row with a trailing vector BLOB.
func scanEpisodeWithVector(rows *sql.Rows) (*types.Episode, []byte, error) {
	var episode types.Episode
	var traceJSON, tagsJSON, filesJSON, lessonsJSON string
	var success, isCritical, isAntipattern int
	var lastAccessed sql.NullTime
	var supersededBy, deprecationReason sql.NullString
	var blob []byte

	err := rows.Scan(
		&episode.ID,
		&episode.Timestamp,
		&episode.Task,
		&episode.Context,
		&traceJSON,
		&episode.Solution,
		&episode.SolutionSummary,
		&episode.Outcome,
		&success,
		&episode.EpisodeType,
		&tagsJSON,
		&filesJSON,
		&lessonsJSON,
		&episode.SourceAssistant,
		&episode.ProjectName,
		&episode.ImportanceScore,
		&episode.AccessCount,
		&lastAccessed,
		&isCritical,
		&isAntipattern,
		&supersededBy,
		&deprecationReason,
		&blob,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: scan episode with vector: %w", err)
	}

	if err := json.Unmarshal([]byte(traceJSON), &episode.ReasoningTrace); err != nil {
		return nil, nil, fmt.Errorf("sqlite: unmarshal reasoning trace: %w", err)
	}
	episode.Tags = unmarshalList(tagsJSON)
	episode.FilesAffected = unmarshalList(filesJSON)
	episode.LessonsLearned = unmarshalList(lessonsJSON)
	episode.Success = success != 0
	episode.IsCritical = isCritical != 0
	episode.IsAntipattern = isAntipattern != 0
	if lastAccessed.Valid {
		t := lastAccessed.Time
		episode.LastAccessed = &t
	}
	if supersededBy.Valid {
		episode.SupersededBy = supersededBy.String
	}
	if deprecationReason.Valid {
		episode.DeprecationReason = deprecationReason.String
	}

	return &episode, blob, nil
}

func scanMetaMemory(row scanner) (*types.MetaMemory, error) {
	var mm types.MetaMemory
	var lessons, practices, antipatterns, exceptions, edgeCases, contexts, technologies, tags string
	var lastAccessed sql.NullTime

	err := row.Scan(
		&mm.ID,
		&mm.CreatedAt,
		&mm.Pattern,
		&mm.PatternSummary,
		&lessons,
		&practices,
		&antipatterns,
		&exceptions,
		&edgeCases,
		&contexts,
		&technologies,
		&mm.EpisodeCount,
		&mm.Confidence,
		&mm.CoherenceScore,
		&mm.ProjectName,
		&tags,
		&mm.AccessCount,
		&lastAccessed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("sqlite: scan meta-memory: %w", err)
	}

	mm.Lessons = unmarshalList(lessons)
	mm.BestPractices = unmarshalList(practices)
	mm.Antipatterns = unmarshalList(antipatterns)
	mm.Exceptions = unmarshalList(exceptions)
	mm.EdgeCases = unmarshalList(edgeCases)
	mm.Contexts = unmarshalList(contexts)
	mm.Technologies = unmarshalList(technologies)
	mm.Tags = unmarshalList(tags)
	if lastAccessed.Valid {
		t := lastAccessed.Time
		mm.LastAccessed = &t
	}

	return &mm, nil
}

func scanMetaMemoryWithVector(rows *sql.Rows) (*types.MetaMemory, []byte, error) {
	var mm types.MetaMemory
	var lessons, practices, antipatterns, exceptions, edgeCases, contexts, technologies, tags string
	var lastAccessed sql.NullTime
	var blob []byte

	err := rows.Scan(
		&mm.ID,
		&mm.CreatedAt,
		&mm.Pattern,
		&mm.PatternSummary,
		&lessons,
		&practices,
		&antipatterns,
		&exceptions,
		&edgeCases,
		&contexts,
		&technologies,
		&mm.EpisodeCount,
		&mm.Confidence,
		&mm.CoherenceScore,
		&mm.ProjectName,
		&tags,
		&mm.AccessCount,
		&lastAccessed,
		&blob,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: scan meta-memory with vector: %w", err)
	}

	mm.Lessons = unmarshalList(lessons)
	mm.BestPractices = unmarshalList(practices)
	mm.Antipatterns = unmarshalList(antipatterns)
	mm.Exceptions = unmarshalList(exceptions)
	mm.EdgeCases = unmarshalList(edgeCases)
	mm.Contexts = unmarshalList(contexts)
	mm.Technologies = unmarshalList(technologies)
	mm.Tags = unmarshalList(tags)
	if lastAccessed.Valid {
		t := lastAccessed.Time
		mm.LastAccessed = &t
	}

	return &mm, blob, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func filterClause(filter storage.EpisodeFilter) (string, []any) {
	var clauses []string
	var args []any

	if filter.Project != "" {
		clauses = append(clauses, "project_name = ?")
		args = append(args, filter.Project)
	}
	if filter.Type != "" {
		clauses = append(clauses, "episode_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Tag != "" {
		clauses = append(clauses, "tags LIKE ?")
		args = append(args, `%"`+filter.Tag+`"%`)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// qualified prefixes each column in a column list with a table alias.
func qualified(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}

func marshalList(items []string) string {
	if items == nil {
		items = []string{}
	}
	data, _ := json.Marshal(items)
	return string(data)
}

func unmarshalList(data string) []string {
	if data == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(data), &items); err != nil {
		return nil
	}
	if len(items) == 0 {
		return nil
	}
	return items
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// encodeVector serializes a float64 slice as a little-endian BLOB.
func encodeVector(vector []float64) []byte {
	buf := make([]byte, 8*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeVector deserializes a little-endian BLOB into a float64 slice.
func decodeVector(blob []byte) ([]float64, error) {
	if len(blob)%8 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 8", len(blob))
	}
	vector := make([]float64, len(blob)/8)
	for i := range vector {
		vector[i] = math.Float64frombits(binary.LittleEndian.Uint64(blob[i*8:]))
	}
	return vector, nil
}

// cosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched dimensions or zero vectors score 0.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
