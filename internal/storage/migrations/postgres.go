package migrations

import (
	"context"
	"fmt"
	"log/slog"

	"dex-indexer/internal/storage/postgres"
)

// advisoryLockKey serialises migrations of workers booting together.
const advisoryLockKey = 0x646578

// RunPostgresMigrations applies all embedded SQL files in lexical order while
// holding a session advisory lock. Migrations are expected to be idempotent.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	files, err := load(PostgresFS, "postgres")
	if err != nil {
		return err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockKey); err != nil {
		return fmt.Errorf("take migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, advisoryLockKey)
	}()

	for _, m := range files {
		if _, err := conn.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
		logger.Debug("applied migration", "store", "postgres", "file", m.name)
	}
	return nil
}
