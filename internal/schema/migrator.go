package schema

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Migrate idempotently creates the entries table and its expires_at index.
// It is safe to call repeatedly, including concurrently from multiple
// processes: every statement is conditional DDL.
func Migrate(ctx context.Context, pool *pgxpool.Pool, names Names) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	key        TEXT         PRIMARY KEY,
	value      BYTEA        NOT NULL,
	expires_at TIMESTAMPTZ  NOT NULL,
	created_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS %s ON %s (expires_at);
`, names.EntriesTable, names.IndexName, names.EntriesTable)

	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate %s: %w", names.EntriesTable, err)
	}
	return nil
}
