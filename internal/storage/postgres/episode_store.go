package postgres

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

// Store implements storage.EpisodeStore on PostgreSQL.
type Store struct {
	db                *sql.DB
	pgvectorAvailable bool
}

var _ storage.EpisodeStore = (*Store)(nil)

// Open connects to the database at dsn and applies the schema. When the
// pgvector extension is present, nearest-neighbor queries run server-side;
// otherwise the store falls back to an in-process scan over the BYTEA
// vectors, which stays correct at the cost of speed.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to ping database: %w", err)
	}

	s := &Store{db: db}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to apply schema: %w", err)
	}

	if _, err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		log.Printf("postgres: pgvector extension not available (falling back to in-process vector scan): %v", err)
	} else if _, err := db.Exec(MigrationPgvector); err != nil {
		log.Printf("postgres: failed to apply pgvector migration (falling back to in-process vector scan): %v", err)
	} else {
		s.pgvectorAvailable = true
	}

	return s, nil
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
		return fmt.Errorf("postgres: marshal reasoning trace: %w", err)
	}

	const insertSQL = `
		INSERT INTO episodes (
			id, timestamp, task, context, reasoning_trace, solution,
			solution_summary, outcome, success, episode_type, tags,
			files_affected, lessons_learned, source_assistant, project_name,
			importance_score, access_count, last_accessed, is_critical,
			is_antipattern, superseded_by, deprecation_reason
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22
		)
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
		episode.Success,
		string(episode.EpisodeType),
		marshalList(episode.Tags),
		marshalList(episode.FilesAffected),
		marshalList(episode.LessonsLearned),
		episode.SourceAssistant,
		episode.ProjectName,
		episode.ImportanceScore,
		episode.AccessCount,
		nullableTime(episode.LastAccessed),
		episode.IsCritical,
		episode.IsAntipattern,
		nullableString(episode.SupersededBy),
		nullableString(episode.DeprecationReason),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert episode %s: %w", episode.ID, err)
	}

	if len(embedding) > 0 {
		if err := s.storeEmbedding(ctx, episode.ID, "episode", embedding); err != nil {
			return err
		}
	}

	return nil
}

// storeEmbedding upserts both vector representations: the portable BYTEA
// and, when pgvector is available, the indexed vector column.
func (s *Store) storeEmbedding(ctx context.Context, ownerID, kind string, vector []float64) error {
	if s.pgvectorAvailable {
		const upsertSQL = `
			INSERT INTO embeddings (owner_id, owner_kind, vector, dimension, embedding_vec)
			VALUES ($1, $2, $3, $4, $5::vector)
			ON CONFLICT (owner_id) DO UPDATE SET
				vector = EXCLUDED.vector,
				dimension = EXCLUDED.dimension,
				embedding_vec = EXCLUDED.embedding_vec
		`
		_, err := s.db.ExecContext(ctx, upsertSQL,
			ownerID, kind, encodeVector(vector), len(vector), toPgvector(vector))
		if err != nil {
			return fmt.Errorf("postgres: store embedding for %s: %w", ownerID, err)
		}
		return nil
	}

	const upsertSQL = `
		INSERT INTO embeddings (owner_id, owner_kind, vector, dimension)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner_id) DO UPDATE SET
			vector = EXCLUDED.vector,
			dimension = EXCLUDED.dimension
	`
	_, err := s.db.ExecContext(ctx, upsertSQL, ownerID, kind, encodeVector(vector), len(vector))
	if err != nil {
		return fmt.Errorf("postgres: store embedding for %s: %w", ownerID, err)
	}
	return nil
}

// GetEpisode retrieves an episode by ID.
func (s *Store) GetEpisode(ctx context.Context, id string) (*types.Episode, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: episode ID is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE id = $1`, id)

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

	where, args := filterClause(filter, 1)
	order := "timestamp"
	if filter.SortBy == "access_count" {
		order = "access_count"
	}
	dir := "DESC"
	if filter.Ascending {
		dir = "ASC"
	}

	query := `SELECT ` + episodeColumns + ` FROM episodes` + where +
		fmt.Sprintf(" ORDER BY %s %s LIMIT $%d", order, dir, len(args)+1)
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list episodes: %w", err)
	}
	defer rows.Close()

	return scanEpisodes(rows)
}

// CountEpisodes returns the episode count for the project scope.
func (s *Store) CountEpisodes(ctx context.Context, project string) (int, error) {
	query := `SELECT COUNT(*) FROM episodes`
	var args []any
	if project != "" {
		query += ` WHERE project_name = $1`
		args = append(args, project)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count episodes: %w", err)
	}
	return n, nil
}

// Nearest returns the k episodes most cosine-similar to the query vector.
// With pgvector the ranking happens server-side via the <=> operator;
// without it the stored BYTEA vectors are scanned in-process.
func (s *Store) Nearest(ctx context.Context, vector []float64, k int, filter storage.EpisodeFilter) ([]storage.NearestEpisode, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: query vector is required", storage.ErrInvalidInput)
	}
	if k < 1 {
		k = 10
	}

	if s.pgvectorAvailable {
		return s.nearestPgvector(ctx, vector, k, filter)
	}
	return s.nearestScan(ctx, vector, k, filter)
}

func (s *Store) nearestPgvector(ctx context.Context, vector []float64, k int, filter storage.EpisodeFilter) ([]storage.NearestEpisode, error) {
	args := []any{toPgvector(vector)}
	where, filterArgs := filterClause(filter, 2)
	args = append(args, filterArgs...)

	// cosine distance d maps to similarity 1-d.
	query := `
		SELECT ` + qualified(episodeColumns, "e") + `, 1 - (emb.embedding_vec <=> $1::vector) AS similarity
		FROM episodes e
		JOIN embeddings emb ON emb.owner_id = e.id
			AND emb.owner_kind = 'episode'
			AND emb.embedding_vec IS NOT NULL` + where +
		fmt.Sprintf(` ORDER BY emb.embedding_vec <=> $1::vector LIMIT $%d`, len(args)+1)
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: nearest query: %w", err)
	}
	defer rows.Close()

	var hits []storage.NearestEpisode
	for rows.Next() {
		episode, similarity, err := scanEpisodeWithSimilarity(rows)
		if err != nil {
			return nil, err
		}
		hits = append(hits, storage.NearestEpisode{Episode: episode, Similarity: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: nearest rows: %w", err)
	}
	return hits, nil
}

func (s *Store) nearestScan(ctx context.Context, vector []float64, k int, filter storage.EpisodeFilter) ([]storage.NearestEpisode, error) {
	where, args := filterClause(filter, 1)
	query := `
		SELECT ` + qualified(episodeColumns, "e") + `, emb.vector
		FROM episodes e
		JOIN embeddings emb ON emb.owner_id = e.id AND emb.owner_kind = 'episode'` + where

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: nearest scan query: %w", err)
	}
	defer rows.Close()

	var hits []storage.NearestEpisode
	for rows.Next() {
		episode, blob, err := scanEpisodeWithBlob(rows)
		if err != nil {
			return nil, err
		}
		candidate, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("postgres: decode vector for %s: %w", episode.ID, err)
		}
		hits = append(hits, storage.NearestEpisode{
			Episode:    episode,
			Similarity: cosineSimilarity(vector, candidate),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: nearest scan rows: %w", err)
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
// ILIKE. Every term must match somewhere (AND semantics), mirroring the
// degraded-retrieval contract.
func (s *Store) SearchKeyword(ctx context.Context, query string, filter storage.EpisodeFilter) ([]*types.Episode, error) {
	filter.Normalize()
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return s.ListEpisodes(ctx, filter)
	}

	where, args := filterClause(filter, 1)
	var clauses []string
	for _, term := range terms {
		n := len(args) + 1
		clauses = append(clauses, fmt.Sprintf(
			`(task ILIKE $%d OR context ILIKE $%d OR solution_summary ILIKE $%d)`, n, n, n))
		args = append(args, "%"+term+"%")
	}

	joiner := " WHERE "
	if where != "" {
		joiner = " AND "
	}
	sqlText := `SELECT ` + episodeColumns + ` FROM episodes` + where + joiner +
		strings.Join(clauses, " AND ") +
		fmt.Sprintf(` ORDER BY timestamp DESC LIMIT $%d`, len(args)+1)
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: keyword search: %w", err)
	}
	defer rows.Close()

	return scanEpisodes(rows)
}

// IncrementAccess applies a relative UPDATE so concurrent increments never
// lose updates.
func (s *Store) IncrementAccess(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE episodes
		SET access_count = access_count + 1, last_accessed = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("postgres: increment access for %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: increment access rows affected: %w", err)
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
		SET access_count = access_count + 1, last_accessed = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("postgres: increment meta access for %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: increment meta access rows affected: %w", err)
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
			`SELECT COUNT(*) FROM episodes WHERE id = $1`, *mark.SupersededBy).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("postgres: check superseded_by: %w", err)
		}
		if exists == 0 {
			return nil, fmt.Errorf("%w: superseded_by %s does not exist", storage.ErrInvalidReference, *mark.SupersededBy)
		}
	}

	var sets []string
	var args []any
	next := func() int { return len(args) + 1 }
	if mark.IsCritical != nil {
		sets = append(sets, fmt.Sprintf("is_critical = $%d", next()))
		args = append(args, *mark.IsCritical)
	}
	if mark.IsAntipattern != nil {
		sets = append(sets, fmt.Sprintf("is_antipattern = $%d", next()))
		args = append(args, *mark.IsAntipattern)
	}
	if mark.SupersededBy != nil {
		sets = append(sets, fmt.Sprintf("superseded_by = $%d", next()))
		args = append(args, nullableString(*mark.SupersededBy))
	}
	if mark.DeprecationReason != nil {
		sets = append(sets, fmt.Sprintf("deprecation_reason = $%d", next()))
		args = append(args, nullableString(*mark.DeprecationReason))
	}
	query := fmt.Sprintf(`UPDATE episodes SET %s WHERE id = $%d`,
		strings.Join(sets, ", "), next())
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: mark episode %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("postgres: mark rows affected: %w", err)
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
		metaQuery += ` WHERE project_name = $1`
		metaArgs = append(metaArgs, project)
	}
	if err := s.db.QueryRowContext(ctx, metaQuery, metaArgs...).Scan(&stats.TotalMetaMemories); err != nil {
		return nil, fmt.Errorf("postgres: count meta-memories: %w", err)
	}

	groupQuery := `SELECT episode_type, source_assistant, tags FROM episodes`
	var groupArgs []any
	if project != "" {
		groupQuery += ` WHERE project_name = $1`
		groupArgs = append(groupArgs, project)
	}
	rows, err := s.db.QueryContext(ctx, groupQuery, groupArgs...)
	if err != nil {
		return nil, fmt.Errorf("postgres: stats query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var epType, assistant string
		var tagsJSON []byte
		if err := rows.Scan(&epType, &assistant, &tagsJSON); err != nil {
			return nil, fmt.Errorf("postgres: stats scan: %w", err)
		}
		stats.ByType[epType]++
		stats.ByAssistant[assistant]++
		for _, tag := range unmarshalList(tagsJSON) {
			stats.ByTag[tag]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: stats rows: %w", err)
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
		query += ` AND project_name = $1`
		args = append(args, project)
	}
	query += ` ORDER BY timestamp ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: unconsolidated query: %w", err)
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

	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id, vector FROM embeddings
		WHERE owner_kind = 'episode' AND owner_id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("postgres: embeddings query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("postgres: embeddings scan: %w", err)
		}
		vector, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("postgres: decode vector for %s: %w", id, err)
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
		return fmt.Errorf("postgres: begin meta-memory tx: %w", err)
	}
	defer tx.Rollback()

	const insertSQL = `
		INSERT INTO meta_memories (
			id, created_at, pattern, pattern_summary, lessons, best_practices,
			antipatterns, exceptions, edge_cases, contexts, technologies,
			episode_count, confidence, coherence_score, project_name, tags,
			access_count, last_accessed
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18
		)
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
		return fmt.Errorf("postgres: insert meta-memory %s: %w", mm.ID, err)
	}

	for i, episodeID := range mm.SourceEpisodeIDs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO meta_memory_sources (meta_id, episode_id, position)
			VALUES ($1, $2, $3)
		`, mm.ID, episodeID, i)
		if err != nil {
			return fmt.Errorf("postgres: link source episode %s: %w", episodeID, err)
		}
	}

	if len(embedding) > 0 {
		if s.pgvectorAvailable {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO embeddings (owner_id, owner_kind, vector, dimension, embedding_vec)
				VALUES ($1, 'meta_memory', $2, $3, $4::vector)
				ON CONFLICT (owner_id) DO UPDATE SET
					vector = EXCLUDED.vector,
					dimension = EXCLUDED.dimension,
					embedding_vec = EXCLUDED.embedding_vec
			`, mm.ID, encodeVector(embedding), len(embedding), toPgvector(embedding))
		} else {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO embeddings (owner_id, owner_kind, vector, dimension)
				VALUES ($1, 'meta_memory', $2, $3)
				ON CONFLICT (owner_id) DO UPDATE SET
					vector = EXCLUDED.vector,
					dimension = EXCLUDED.dimension
			`, mm.ID, encodeVector(embedding), len(embedding))
		}
		if err != nil {
			return fmt.Errorf("postgres: store meta-memory embedding: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit meta-memory: %w", err)
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
		`SELECT `+metaColumns+` FROM meta_memories WHERE id = $1`, id)

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
		query += ` WHERE project_name = $1`
		args = append(args, project)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list meta-memories: %w", err)
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
		return nil, fmt.Errorf("postgres: list meta-memories rows: %w", err)
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

	var hits []storage.NearestMetaMemory
	var err error
	if s.pgvectorAvailable {
		hits, err = s.nearestMetaPgvector(ctx, vector, k, project)
	} else {
		hits, err = s.nearestMetaScan(ctx, vector, k, project)
	}
	if err != nil {
		return nil, err
	}

	for _, hit := range hits {
		if err := s.loadSources(ctx, hit.MetaMemory); err != nil {
			return nil, err
		}
	}
	return hits, nil
}

func (s *Store) nearestMetaPgvector(ctx context.Context, vector []float64, k int, project string) ([]storage.NearestMetaMemory, error) {
	args := []any{toPgvector(vector)}
	where := ""
	if project != "" {
		where = ` WHERE m.project_name = $2`
		args = append(args, project)
	}

	query := `
		SELECT ` + qualified(metaColumns, "m") + `, 1 - (emb.embedding_vec <=> $1::vector) AS similarity
		FROM meta_memories m
		JOIN embeddings emb ON emb.owner_id = m.id
			AND emb.owner_kind = 'meta_memory'
			AND emb.embedding_vec IS NOT NULL` + where +
		fmt.Sprintf(` ORDER BY emb.embedding_vec <=> $1::vector LIMIT $%d`, len(args)+1)
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: nearest meta-memories: %w", err)
	}
	defer rows.Close()

	var hits []storage.NearestMetaMemory
	for rows.Next() {
		mm, similarity, err := scanMetaMemoryWithSimilarity(rows)
		if err != nil {
			return nil, err
		}
		hits = append(hits, storage.NearestMetaMemory{MetaMemory: mm, Similarity: similarity})
	}
	return hits, rows.Err()
}

func (s *Store) nearestMetaScan(ctx context.Context, vector []float64, k int, project string) ([]storage.NearestMetaMemory, error) {
	query := `
		SELECT ` + qualified(metaColumns, "m") + `, emb.vector
		FROM meta_memories m
		JOIN embeddings emb ON emb.owner_id = m.id AND emb.owner_kind = 'meta_memory'
	`
	var args []any
	if project != "" {
		query += ` WHERE m.project_name = $1`
		args = append(args, project)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: nearest meta scan: %w", err)
	}
	defer rows.Close()

	var hits []storage.NearestMetaMemory
	for rows.Next() {
		mm, blob, err := scanMetaMemoryWithBlob(rows)
		if err != nil {
			return nil, err
		}
		candidate, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("postgres: decode meta vector for %s: %w", mm.ID, err)
		}
		hits = append(hits, storage.NearestMetaMemory{
			MetaMemory: mm,
			Similarity: cosineSimilarity(vector, candidate),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: nearest meta scan rows: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Reconcile cross-checks the metadata and embedding tables.
func (s *Store) Reconcile(ctx context.Context) (*storage.ReconcileReport, error) {
	report := &storage.ReconcileReport{CheckedAt: time.Now().UTC()}

	collect := func(query string) ([]string, error) {
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("postgres: reconcile query: %w", err)
		}
		defer rows.Close()

		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, fmt.Errorf("postgres: reconcile scan: %w", err)
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
		WHERE meta_id = $1 ORDER BY position ASC
	`, mm.ID)
	if err != nil {
		return fmt.Errorf("postgres: load sources for %s: %w", mm.ID, err)
	}
	defer rows.Close()

	mm.SourceEpisodeIDs = nil
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("postgres: scan source id: %w", err)
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

// scanEpisode scans one episodes row. Extra trailing destinations let the
// vector and similarity variants reuse the same column order.
func scanEpisodeInto(row scanner, extra ...any) (*types.Episode, error) {
	var episode types.Episode
	var traceJSON, tagsJSON, filesJSON, lessonsJSON []byte
	var lastAccessed sql.NullTime
	var supersededBy, deprecationReason sql.NullString

	dest := []any{
		&episode.ID,
		&episode.Timestamp,
		&episode.Task,
		&episode.Context,
		&traceJSON,
		&episode.Solution,
		&episode.SolutionSummary,
		&episode.Outcome,
		&episode.Success,
		&episode.EpisodeType,
		&tagsJSON,
		&filesJSON,
		&lessonsJSON,
		&episode.SourceAssistant,
		&episode.ProjectName,
		&episode.ImportanceScore,
		&episode.AccessCount,
		&lastAccessed,
		&episode.IsCritical,
		&episode.IsAntipattern,
		&supersededBy,
		&deprecationReason,
	}
	dest = append(dest, extra...)

	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("postgres: scan episode: %w", err)
	}

	if err := json.Unmarshal(traceJSON, &episode.ReasoningTrace); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal reasoning trace: %w", err)
	}
	episode.Tags = unmarshalList(tagsJSON)
	episode.FilesAffected = unmarshalList(filesJSON)
	episode.LessonsLearned = unmarshalList(lessonsJSON)
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

func scanEpisode(row scanner) (*types.Episode, error) {
	return scanEpisodeInto(row)
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
		return nil, fmt.Errorf("postgres: episode rows: %w", err)
	}
	return episodes, nil
}

func scanEpisodeWithSimilarity(rows *sql.Rows) (*types.Episode, float64, error) {
	var similarity float64
	episode, err := scanEpisodeInto(rows, &similarity)
	return episode, similarity, err
}

func scanEpisodeWithBlob(rows *sql.Rows) (*types.Episode, []byte, error) {
	var blob []byte
	episode, err := scanEpisodeInto(rows, &blob)
	return episode, blob, err
}

func scanMetaMemoryInto(row scanner, extra ...any) (*types.MetaMemory, error) {
	var mm types.MetaMemory
	var lessons, practices, antipatterns, exceptions, edgeCases, contexts, technologies, tags []byte
	var lastAccessed sql.NullTime

	dest := []any{
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
	}
	dest = append(dest, extra...)

	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("postgres: scan meta-memory: %w", err)
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

func scanMetaMemory(row scanner) (*types.MetaMemory, error) {
	return scanMetaMemoryInto(row)
}

func scanMetaMemoryWithSimilarity(rows *sql.Rows) (*types.MetaMemory, float64, error) {
	var similarity float64
	mm, err := scanMetaMemoryInto(rows, &similarity)
	return mm, similarity, err
}

func scanMetaMemoryWithBlob(rows *sql.Rows) (*types.MetaMemory, []byte, error) {
	var blob []byte
	mm, err := scanMetaMemoryInto(rows, &blob)
	return mm, blob, err
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// filterClause builds a WHERE fragment with placeholders starting at $start.
func filterClause(filter storage.EpisodeFilter, start int) (string, []any) {
	var clauses []string
	var args []any
	n := start

	if filter.Project != "" {
		clauses = append(clauses, fmt.Sprintf("project_name = $%d", n))
		args = append(args, filter.Project)
		n++
	}
	if filter.Type != "" {
		clauses = append(clauses, fmt.Sprintf("episode_type = $%d", n))
		args = append(args, string(filter.Type))
		n++
	}
	if filter.Tag != "" {
		clauses = append(clauses, fmt.Sprintf(`tags @> $%d::jsonb`, n))
		args = append(args, marshalList([]string{filter.Tag}))
		n++
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

func unmarshalList(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return nil
	}
	if len(items) == 0 {
		return nil
	}
	return items
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

// toPgvector converts a float64 slice to the pgvector wire type.
func toPgvector(vector []float64) pgvector.Vector {
	f32 := make([]float32, len(vector))
	for i, v := range vector {
		f32[i] = float32(v)
	}
	return pgvector.NewVector(f32)
}

// encodeVector serializes a float64 slice as a little-endian BYTEA.
func encodeVector(vector []float64) []byte {
	buf := make([]byte, 8*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeVector deserializes a little-endian BYTEA into a float64 slice.
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
