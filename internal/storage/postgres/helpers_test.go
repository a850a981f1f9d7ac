package postgres

import (
	"context"
	"fmt"
)

// TruncateForTest removes all rows between integration tests. Defined in
// the postgres package so it can reach the unexported db field; exported so
// the postgres_test package can call it.
func (s *Store) TruncateForTest(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		"TRUNCATE TABLE meta_memory_sources, meta_memories, embeddings, episodes RESTART IDENTITY CASCADE")
	if err != nil {
		return fmt.Errorf("postgres: failed to truncate tables: %w", err)
	}
	return nil
}
