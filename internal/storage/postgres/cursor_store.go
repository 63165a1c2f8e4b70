package postgres

import (
	"context"
	"fmt"

	"dex-indexer/internal/storage"
)

// CursorStore implements storage.CursorStore on the index_state table.
type CursorStore struct {
	pool *Pool
}

// NewCursorStore creates a new CursorStore.
func NewCursorStore(pool *Pool) *CursorStore {
	return &CursorStore{pool: pool}
}

var _ storage.CursorStore = (*CursorStore)(nil)

// GetCursor returns the last indexed height of name, 0 when unset.
func (s *CursorStore) GetCursor(ctx context.Context, name string) (int64, error) {
	var h int64
	err := s.pool.QueryRow(ctx, `SELECT last_height FROM index_state WHERE id = $1`, name).Scan(&h)
	if err != nil {
		if isNotFoundError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("get cursor %s: %w", name, err)
	}
	return h, nil
}

// BumpCursor moves the cursor of name forward to height.
func (s *CursorStore) BumpCursor(ctx context.Context, name string, height int64) error {
	query := `
		INSERT INTO index_state (id, last_height, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET
			last_height = GREATEST(index_state.last_height, EXCLUDED.last_height),
			updated_at  = now()
	`
	if _, err := s.pool.Exec(ctx, query, name, height); err != nil {
		return fmt.Errorf("bump cursor %s: %w", name, err)
	}
	return nil
}
