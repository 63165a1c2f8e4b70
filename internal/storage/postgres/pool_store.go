package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"dex-indexer/internal/domain"
	"dex-indexer/internal/storage"
)

// PoolStore implements storage.PoolStore using PostgreSQL.
type PoolStore struct {
	pool *Pool
}

// NewPoolStore creates a new PoolStore.
func NewPoolStore(pool *Pool) *PoolStore {
	return &PoolStore{pool: pool}
}

// Compile-time interface check.
var _ storage.PoolStore = (*PoolStore)(nil)

const selectPoolSQL = `
	SELECT p.pool_id, p.pair_contract, p.pair_type,
	       p.base_token_id, p.quote_token_id,
	       b.denom, q.denom, b.exponent, q.exponent,
	       p.is_uzig_quote, p.created_at, p.created_height, p.created_tx_hash, p.signer
	FROM pools p
	JOIN tokens b ON b.token_id = p.base_token_id
	JOIN tokens q ON q.token_id = p.quote_token_id
`

// UpsertPool registers p and its tokens and fills the stored fields of p.
func (s *PoolStore) UpsertPool(ctx context.Context, p *domain.Pool) error {
	if p == nil || p.PairContract == "" || p.BaseDenom == "" || p.QuoteDenom == "" {
		return storage.ErrInvalidInput
	}
	return classify(upsertPool(ctx, s.pool, p))
}

func upsertPool(ctx context.Context, q querier, p *domain.Pool) error {
	baseID, baseExp, err := upsertToken(ctx, q, p.BaseDenom)
	if err != nil {
		return err
	}
	quoteID, quoteExp, err := upsertToken(ctx, q, p.QuoteDenom)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO pools (
			pair_contract, base_token_id, quote_token_id, pair_type, is_uzig_quote,
			created_at, created_height, created_tx_hash, signer
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (pair_contract) DO UPDATE SET
			base_token_id  = EXCLUDED.base_token_id,
			quote_token_id = EXCLUDED.quote_token_id,
			pair_type      = EXCLUDED.pair_type,
			is_uzig_quote  = EXCLUDED.is_uzig_quote
		RETURNING pool_id, created_at, created_height, created_tx_hash, signer
	`

	isUzig := p.QuoteDenom == domain.ReferenceDenom
	var (
		createdAt     *time.Time
		createdHeight *int64
		txHash        *string
		signer        *string
	)
	err = q.QueryRow(ctx, query,
		p.PairContract,
		baseID,
		quoteID,
		p.PairType,
		isUzig,
		nullTime(p.CreatedAt),
		p.Height,
		p.TxHash,
		p.Signer,
	).Scan(&p.PoolID, &createdAt, &createdHeight, &txHash, &signer)
	if err != nil {
		return fmt.Errorf("upsert pool %s: %w", p.PairContract, err)
	}

	p.BaseTokenID, p.QuoteTokenID = baseID, quoteID
	p.BaseExp, p.QuoteExp = baseExp, quoteExp
	p.IsUzigQuote = isUzig
	p.CreatedAt = deref(createdAt)
	p.Height = deref(createdHeight)
	p.TxHash = deref(txHash)
	p.Signer = deref(signer)
	return nil
}

// upsertToken returns the id and exponent of denom, creating it with the
// default exponent. An existing exponent is never overwritten.
func upsertToken(ctx context.Context, q querier, denom string) (int64, int, error) {
	query := `
		INSERT INTO tokens (denom, exponent)
		VALUES ($1, $2)
		ON CONFLICT (denom) DO UPDATE SET exponent = tokens.exponent
		RETURNING token_id, exponent
	`
	var (
		id  int64
		exp int
	)
	if err := q.QueryRow(ctx, query, denom, domain.DefaultExponent).Scan(&id, &exp); err != nil {
		return 0, 0, fmt.Errorf("upsert token %s: %w", denom, err)
	}
	return id, exp, nil
}

// SetTokenExponent records the decimal exponent of denom.
func (s *PoolStore) SetTokenExponent(ctx context.Context, denom string, exp int) error {
	query := `
		INSERT INTO tokens (denom, exponent)
		VALUES ($1, $2)
		ON CONFLICT (denom) DO UPDATE SET exponent = EXCLUDED.exponent
	`
	if _, err := s.pool.Exec(ctx, query, denom, exp); err != nil {
		return fmt.Errorf("set token exponent %s: %w", denom, err)
	}
	return nil
}

// GetPool retrieves a pool by pair contract. Returns ErrNotFound if absent.
func (s *PoolStore) GetPool(ctx context.Context, pairContract string) (*domain.Pool, error) {
	row := s.pool.QueryRow(ctx, selectPoolSQL+` WHERE p.pair_contract = $1`, pairContract)
	p, err := scanPool(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get pool %s: %w", pairContract, err)
	}
	return p, nil
}

// ListPools returns up to limit pools, most recently created first.
func (s *PoolStore) ListPools(ctx context.Context, limit int) ([]domain.Pool, error) {
	rows, err := s.pool.Query(ctx, selectPoolSQL+`
		ORDER BY p.created_at DESC NULLS LAST, p.pool_id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()

	var pools []domain.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		pools = append(pools, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pools: %w", err)
	}
	return pools, nil
}

func scanPool(row pgx.Row) (*domain.Pool, error) {
	var (
		p             domain.Pool
		createdAt     *time.Time
		createdHeight *int64
		txHash        *string
		signer        *string
	)
	err := row.Scan(
		&p.PoolID, &p.PairContract, &p.PairType,
		&p.BaseTokenID, &p.QuoteTokenID,
		&p.BaseDenom, &p.QuoteDenom, &p.BaseExp, &p.QuoteExp,
		&p.IsUzigQuote, &createdAt, &createdHeight, &txHash, &signer,
	)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = deref(createdAt)
	p.Height = deref(createdHeight)
	p.TxHash = deref(txHash)
	p.Signer = deref(signer)
	return &p, nil
}

func deref[T any](v *T) T {
	var zero T
	if v == nil {
		return zero
	}
	return *v
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
