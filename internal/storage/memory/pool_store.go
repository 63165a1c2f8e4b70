package memory

import (
	"context"
	"sort"
	"sync"

	"dex-indexer/internal/domain"
	"dex-indexer/internal/storage"
)

type token struct {
	id  int64
	exp int
}

// PoolStore is an in-memory implementation of storage.PoolStore.
type PoolStore struct {
	mu        sync.RWMutex
	pools     map[string]*domain.Pool // keyed by pair contract
	tokens    map[string]token        // keyed by denom
	nextPool  int64
	nextToken int64
}

// NewPoolStore creates a new in-memory pool store.
func NewPoolStore() *PoolStore {
	return &PoolStore{
		pools:  make(map[string]*domain.Pool),
		tokens: make(map[string]token),
	}
}

// SetTokenExponent records the decimal exponent of denom.
func (s *PoolStore) SetTokenExponent(denom string, exp int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tokenLocked(denom)
	t.exp = exp
	s.tokens[denom] = t
	for _, p := range s.pools {
		if p.BaseDenom == denom {
			p.BaseExp = exp
		}
		if p.QuoteDenom == denom {
			p.QuoteExp = exp
		}
	}
}

func (s *PoolStore) tokenLocked(denom string) token {
	t, ok := s.tokens[denom]
	if !ok {
		s.nextToken++
		t = token{id: s.nextToken, exp: domain.DefaultExponent}
		s.tokens[denom] = t
	}
	return t
}

// UpsertPool registers p. An existing pair contract keeps its id and
// creation fields; token and type fields are overwritten.
func (s *PoolStore) UpsertPool(_ context.Context, p *domain.Pool) error {
	if p == nil || p.PairContract == "" || p.BaseDenom == "" || p.QuoteDenom == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.tokenLocked(p.BaseDenom)
	quote := s.tokenLocked(p.QuoteDenom)

	stored, ok := s.pools[p.PairContract]
	if !ok {
		s.nextPool++
		cp := *p
		cp.PoolID = s.nextPool
		stored = &cp
		s.pools[p.PairContract] = stored
	}
	stored.BaseDenom = p.BaseDenom
	stored.QuoteDenom = p.QuoteDenom
	stored.PairType = p.PairType
	stored.BaseTokenID = base.id
	stored.QuoteTokenID = quote.id
	stored.BaseExp = base.exp
	stored.QuoteExp = quote.exp
	stored.IsUzigQuote = p.QuoteDenom == domain.ReferenceDenom

	*p = *stored
	return nil
}

// GetPool retrieves a pool by pair contract. Returns ErrNotFound if absent.
func (s *PoolStore) GetPool(_ context.Context, pairContract string) (*domain.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[pairContract]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// ListPools returns up to limit pools, most recently created first.
func (s *PoolStore) ListPools(_ context.Context, limit int) ([]domain.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].PoolID > out[j].PoolID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
