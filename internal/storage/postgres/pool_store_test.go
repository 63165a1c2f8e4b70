package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex-indexer/internal/domain"
	"dex-indexer/internal/storage"
)

func createTestPool(t *testing.T, ctx context.Context, pool *Pool, pair string) *domain.Pool {
	t.Helper()

	p := &domain.Pool{
		PairContract: pair,
		PairType:     "xyk",
		BaseDenom:    "coin." + pair + ".abc",
		QuoteDenom:   domain.ReferenceDenom,
		CreatedAt:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Height:       100,
		TxHash:       "TX-" + pair,
		Signer:       "zig1signer",
	}
	require.NoError(t, NewPoolStore(pool).UpsertPool(ctx, p))
	return p
}

func TestPoolStore_UpsertAndGet(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPoolStore(pool)
	p := createTestPool(t, ctx, pool, "zig1pair")

	assert.NotZero(t, p.PoolID)
	assert.NotZero(t, p.BaseTokenID)
	assert.True(t, p.IsUzigQuote)
	assert.Equal(t, domain.DefaultExponent, p.BaseExp)

	got, err := store.GetPool(ctx, "zig1pair")
	require.NoError(t, err)
	assert.Equal(t, p.PoolID, got.PoolID)
	assert.Equal(t, p.BaseDenom, got.BaseDenom)
	assert.Equal(t, domain.ReferenceDenom, got.QuoteDenom)
	assert.Equal(t, "xyk", got.PairType)
	assert.Equal(t, int64(100), got.Height)
	assert.True(t, p.CreatedAt.Equal(got.CreatedAt))
}

func TestPoolStore_UpsertKeepsIdentity(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPoolStore(pool)
	first := createTestPool(t, ctx, pool, "zig1pair")

	again := &domain.Pool{
		PairContract: "zig1pair",
		PairType:     "concentrated",
		BaseDenom:    first.BaseDenom,
		QuoteDenom:   domain.ReferenceDenom,
		Height:       999,
	}
	require.NoError(t, store.UpsertPool(ctx, again))

	assert.Equal(t, first.PoolID, again.PoolID)
	assert.Equal(t, int64(100), again.Height, "creation fields are kept")

	got, err := store.GetPool(ctx, "zig1pair")
	require.NoError(t, err)
	assert.Equal(t, "concentrated", got.PairType)
}

func TestPoolStore_TokenExponentSurvivesUpsert(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPoolStore(pool)
	require.NoError(t, store.SetTokenExponent(ctx, "coin.zig1pair.abc", 8))

	p := createTestPool(t, ctx, pool, "zig1pair")
	assert.Equal(t, 8, p.BaseExp)
}

func TestPoolStore_GetPoolNotFound(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := NewPoolStore(pool).GetPool(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPoolStore_InvalidInput(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	err := NewPoolStore(pool).UpsertPool(context.Background(), &domain.Pool{PairContract: "x"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestPoolStore_ListPools(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPoolStore(pool)
	for i, pair := range []string{"a", "b", "c"} {
		p := &domain.Pool{
			PairContract: pair,
			BaseDenom:    "base-" + pair,
			QuoteDenom:   domain.ReferenceDenom,
			CreatedAt:    time.Date(2024, 5, 1, 12, i, 0, 0, time.UTC),
		}
		require.NoError(t, store.UpsertPool(ctx, p))
	}

	pools, err := store.ListPools(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pools, 2)
	assert.Equal(t, "c", pools[0].PairContract)
	assert.Equal(t, "b", pools[1].PairContract)
}

func TestCursorStore_BumpIsMonotonic(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewCursorStore(pool)

	h, err := store.GetCursor(ctx, "ingest")
	require.NoError(t, err)
	assert.Equal(t, int64(0), h)

	require.NoError(t, store.BumpCursor(ctx, "ingest", 120))
	require.NoError(t, store.BumpCursor(ctx, "ingest", 110))

	h, err = store.GetCursor(ctx, "ingest")
	require.NoError(t, err)
	assert.Equal(t, int64(120), h)
}
