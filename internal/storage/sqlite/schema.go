package sqlite

// Schema is the full SQLite schema, applied idempotently on open.
//
// Consolidation state is not a column on episodes: an episode is
// "consolidated" exactly when a meta_memory_sources row references it, so a
// meta-memory write consolidates its members in the same transaction.
const Schema = `
CREATE TABLE IF NOT EXISTS episodes (
	id TEXT PRIMARY KEY,
	timestamp DATETIME NOT NULL,
	task TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '',
	reasoning_trace TEXT NOT NULL DEFAULT '{}',
	solution TEXT NOT NULL DEFAULT '',
	solution_summary TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL DEFAULT '',
	success INTEGER NOT NULL DEFAULT 1,
	episode_type TEXT NOT NULL DEFAULT 'decision',
	tags TEXT NOT NULL DEFAULT '[]',
	files_affected TEXT NOT NULL DEFAULT '[]',
	lessons_learned TEXT NOT NULL DEFAULT '[]',
	source_assistant TEXT NOT NULL DEFAULT 'unknown',
	project_name TEXT NOT NULL DEFAULT 'default',
	importance_score REAL NOT NULL DEFAULT 1.0,
	access_count INTEGER NOT NULL DEFAULT 0 CHECK (access_count >= 0),
	last_accessed DATETIME,
	is_critical INTEGER NOT NULL DEFAULT 0,
	is_antipattern INTEGER NOT NULL DEFAULT 0,
	superseded_by TEXT REFERENCES episodes(id),
	deprecation_reason TEXT
);

CREATE INDEX IF NOT EXISTS idx_episodes_project ON episodes(project_name);
CREATE INDEX IF NOT EXISTS idx_episodes_timestamp ON episodes(timestamp);
CREATE INDEX IF NOT EXISTS idx_episodes_type ON episodes(episode_type);

CREATE TABLE IF NOT EXISTS embeddings (
	owner_id TEXT PRIMARY KEY,
	owner_kind TEXT NOT NULL CHECK (owner_kind IN ('episode', 'meta_memory')),
	vector BLOB NOT NULL,
	dimension INTEGER NOT NULL CHECK (dimension > 0),
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_embeddings_kind ON embeddings(owner_kind);

CREATE TABLE IF NOT EXISTS meta_memories (
	id TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL,
	pattern TEXT NOT NULL,
	pattern_summary TEXT NOT NULL DEFAULT '',
	lessons TEXT NOT NULL DEFAULT '[]',
	best_practices TEXT NOT NULL DEFAULT '[]',
	antipatterns TEXT NOT NULL DEFAULT '[]',
	exceptions TEXT NOT NULL DEFAULT '[]',
	edge_cases TEXT NOT NULL DEFAULT '[]',
	contexts TEXT NOT NULL DEFAULT '[]',
	technologies TEXT NOT NULL DEFAULT '[]',
	episode_count INTEGER NOT NULL DEFAULT 0,
	confidence REAL NOT NULL DEFAULT 0.5,
	coherence_score REAL NOT NULL DEFAULT 0.5,
	project_name TEXT NOT NULL DEFAULT 'default',
	tags TEXT NOT NULL DEFAULT '[]',
	access_count INTEGER NOT NULL DEFAULT 0,
	last_accessed DATETIME
);

CREATE INDEX IF NOT EXISTS idx_meta_memories_project ON meta_memories(project_name);

CREATE TABLE IF NOT EXISTS meta_memory_sources (
	meta_id TEXT NOT NULL REFERENCES meta_memories(id),
	episode_id TEXT NOT NULL REFERENCES episodes(id),
	position INTEGER NOT NULL,
	PRIMARY KEY (meta_id, episode_id)
);

CREATE INDEX IF NOT EXISTS idx_meta_sources_episode ON meta_memory_sources(episode_id);
`
