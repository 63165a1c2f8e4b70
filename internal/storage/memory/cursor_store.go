package memory

import (
	"context"
	"sync"

	"dex-indexer/internal/storage"
)

// CursorStore is an in-memory implementation of storage.CursorStore.
type CursorStore struct {
	mu      sync.Mutex
	heights map[string]int64
}

var _ storage.CursorStore = (*CursorStore)(nil)

// NewCursorStore creates a new in-memory cursor store.
func NewCursorStore() *CursorStore {
	return &CursorStore{heights: make(map[string]int64)}
}

// GetCursor returns the last indexed height of name, 0 when unset.
func (s *CursorStore) GetCursor(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heights[name], nil
}

// BumpCursor moves the cursor of name forward to height.
func (s *CursorStore) BumpCursor(_ context.Context, name string, height int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if height > s.heights[name] {
		s.heights[name] = height
	}
	return nil
}
