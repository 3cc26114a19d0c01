package pgcache

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mnorrsken/pgcache/internal/schema"
)

// InitDB is the one-shot administrative call that creates or upgrades the
// entries table and its indexes. It is idempotent and safe to call
// repeatedly, including concurrently from multiple processes.
func InitDB(ctx context.Context, settings Settings) error {
	names, err := schema.Resolve(settings.SchemaPrefix, settings.NotifyChannel)
	if err != nil {
		return newConfigError("resolve schema", err)
	}

	pool, err := pgxpool.New(ctx, settings.DSN)
	if err != nil {
		return newConfigError("connect", err)
	}
	defer pool.Close()

	if err := schema.Migrate(ctx, pool, names); err != nil {
		return newStoreError("migrate", err)
	}
	return nil
}
