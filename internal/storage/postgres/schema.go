// Package postgres provides the PostgreSQL implementation of the Engram
// storage contract, with pgvector-accelerated nearest-neighbor search when
// the extension is available.
package postgres

// Schema contains the SQL statements to create the database schema.
// All statements are idempotent (IF NOT EXISTS) so the schema can be
// reapplied on every startup.
const Schema = `
-- Episodes table: one row per captured working episode.
CREATE TABLE IF NOT EXISTS episodes (
    id TEXT PRIMARY KEY,
    timestamp TIMESTAMPTZ NOT NULL,
    task TEXT NOT NULL,
    context TEXT NOT NULL,
    reasoning_trace JSONB NOT NULL,
    solution TEXT NOT NULL DEFAULT '',
    solution_summary TEXT NOT NULL DEFAULT '',
    outcome TEXT NOT NULL DEFAULT '',
    success BOOLEAN NOT NULL DEFAULT TRUE,
    episode_type TEXT NOT NULL,
    tags JSONB NOT NULL DEFAULT '[]',
    files_affected JSONB NOT NULL DEFAULT '[]',
    lessons_learned JSONB NOT NULL DEFAULT '[]',
    source_assistant TEXT NOT NULL,
    project_name TEXT NOT NULL,
    importance_score DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    access_count INTEGER NOT NULL DEFAULT 0 CHECK (access_count >= 0),
    last_accessed TIMESTAMPTZ,
    is_critical BOOLEAN NOT NULL DEFAULT FALSE,
    is_antipattern BOOLEAN NOT NULL DEFAULT FALSE,
    superseded_by TEXT REFERENCES episodes(id),
    deprecation_reason TEXT
);

-- Embeddings table: vector sidecar for episodes and meta-memories.
-- The BYTEA column is the portable representation (packed little-endian
-- float64); embedding_vec is added by MigrationPgvector when available.
CREATE TABLE IF NOT EXISTS embeddings (
    owner_id TEXT PRIMARY KEY,
    owner_kind TEXT NOT NULL CHECK (owner_kind IN ('episode', 'meta_memory')),
    vector BYTEA NOT NULL,
    dimension INTEGER NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- Meta-memories table: consolidated patterns synthesized from episode
-- clusters. Membership lives in meta_memory_sources; an episode counts as
-- consolidated exactly when it appears there.
CREATE TABLE IF NOT EXISTS meta_memories (
    id TEXT PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL,
    pattern TEXT NOT NULL,
    pattern_summary TEXT NOT NULL DEFAULT '',
    lessons JSONB NOT NULL DEFAULT '[]',
    best_practices JSONB NOT NULL DEFAULT '[]',
    antipatterns JSONB NOT NULL DEFAULT '[]',
    exceptions JSONB NOT NULL DEFAULT '[]',
    edge_cases JSONB NOT NULL DEFAULT '[]',
    contexts JSONB NOT NULL DEFAULT '[]',
    technologies JSONB NOT NULL DEFAULT '[]',
    episode_count INTEGER NOT NULL DEFAULT 0,
    confidence DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    coherence_score DOUBLE PRECISION NOT NULL DEFAULT 0.0,
    project_name TEXT NOT NULL,
    tags JSONB NOT NULL DEFAULT '[]',
    access_count INTEGER NOT NULL DEFAULT 0,
    last_accessed TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS meta_memory_sources (
    meta_id TEXT NOT NULL REFERENCES meta_memories(id) ON DELETE CASCADE,
    episode_id TEXT NOT NULL REFERENCES episodes(id),
    position INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (meta_id, episode_id)
);

CREATE INDEX IF NOT EXISTS idx_episodes_project ON episodes(project_name);
CREATE INDEX IF NOT EXISTS idx_episodes_timestamp ON episodes(timestamp);
CREATE INDEX IF NOT EXISTS idx_episodes_type ON episodes(episode_type);
CREATE INDEX IF NOT EXISTS idx_episodes_access_count ON episodes(access_count DESC);
CREATE INDEX IF NOT EXISTS idx_embeddings_kind ON embeddings(owner_kind);
CREATE INDEX IF NOT EXISTS idx_meta_memories_project ON meta_memories(project_name);
CREATE INDEX IF NOT EXISTS idx_meta_memory_sources_episode ON meta_memory_sources(episode_id);
`

// MigrationPgvector adds pgvector support to the embeddings table. Applied
// only when the vector extension is available; safe to run multiple times.
const MigrationPgvector = `
DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns
        WHERE table_name = 'embeddings' AND column_name = 'embedding_vec'
    ) THEN
        ALTER TABLE embeddings ADD COLUMN embedding_vec vector;
    END IF;
END
$$;

-- ivfflat needs at least one row before index build, so guard on data.
DO $$
BEGIN
  IF NOT EXISTS (
    SELECT 1 FROM pg_indexes WHERE indexname = 'idx_embeddings_vec_cosine'
  ) THEN
    IF EXISTS (SELECT 1 FROM embeddings LIMIT 1) THEN
      EXECUTE 'CREATE INDEX idx_embeddings_vec_cosine ON embeddings USING ivfflat (embedding_vec vector_cosine_ops) WITH (lists = 100)';
    END IF;
  END IF;
END$$;
`
