// Package pgstore is the authoritative tier of the cache: a single Postgres
// table holding every entry, mutated transactionally alongside a pg_notify
// call so that every write is paired, atomically, with the invalidation
// event that tells every other process about it.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mnorrsken/pgcache/internal/schema"
)

// Operation kinds carried in Event.Op.
const (
	OpSet        = "set"
	OpInvalidate = "invalidate"
	OpExpire     = "expire"
)

// Event is the JSON payload broadcast over the notify channel on every
// mutating statement. Origin identifies the process that issued the write,
// so a listener can tell whether an event is self-originated.
type Event struct {
	Key    string `json:"key"`
	Op     string `json:"op"`
	Origin string `json:"origin"`
}

// dbPool is the subset of *pgxpool.Pool that Store relies on, extracted so
// tests can substitute a mock connection pool.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the Postgres-backed authoritative tier.
type Store struct {
	pool          dbPool
	names         schema.Names
	disableNotify bool
	originID      string
}

// New wraps pool as the authoritative store for the given resolved names.
// originID is stamped into every outgoing Event so a listener can recognize
// its own process's writes.
func New(pool dbPool, names schema.Names, originID string, disableNotify bool) *Store {
	return &Store{pool: pool, names: names, originID: originID, disableNotify: disableNotify}
}

// Select fetches the raw value for key. found is false both when the key is
// absent and when it is present but already past expiry.
func (s *Store) Select(ctx context.Context, key string) (value []byte, expiresAt time.Time, found bool, err error) {
	query := fmt.Sprintf(`SELECT value, expires_at FROM %s WHERE key = $1 AND expires_at > now()`, s.names.EntriesTable)

	err = s.pool.QueryRow(ctx, query, key).Scan(&value, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("pgstore: select %q: %w", key, err)
	}
	return value, expiresAt, true, nil
}

// Upsert writes key's value and expiry, then notifies every listening
// process of the change within the same transaction: a reader that observes
// the notification is guaranteed to also observe the write.
func (s *Store) Upsert(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		query := fmt.Sprintf(`
INSERT INTO %s (key, value, expires_at, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (key) DO UPDATE SET
	value = EXCLUDED.value,
	expires_at = EXCLUDED.expires_at,
	updated_at = now()
`, s.names.EntriesTable)

		if _, err := tx.Exec(ctx, query, key, value, expiresAt); err != nil {
			return fmt.Errorf("upsert %q: %w", key, err)
		}
		return s.notify(ctx, tx, Event{Key: key, Op: OpSet, Origin: s.originID})
	})
}

// Delete removes key and notifies listeners regardless of whether a row
// existed, since a stale local entry may exist on a peer regardless.
// deleted reports whether a row was actually removed.
func (s *Store) Delete(ctx context.Context, key string) (deleted bool, err error) {
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.names.EntriesTable)
		tag, err := tx.Exec(ctx, query, key)
		if err != nil {
			return fmt.Errorf("delete %q: %w", key, err)
		}
		deleted = tag.RowsAffected() > 0
		return s.notify(ctx, tx, Event{Key: key, Op: OpInvalidate, Origin: s.originID})
	})
	return deleted, err
}

// Sweep deletes every row past expiry and reports how many were removed. It
// does not notify: a sweep only removes entries a correct reader would
// already treat as expired, so there is nothing for a listener to act on.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= now()`, s.names.EntriesTable)
	tag, err := s.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("pgstore: sweep: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) notify(ctx context.Context, tx pgx.Tx, event Event) error {
	if s.disableNotify {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.names.Channel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify %s: %w", s.names.Channel, err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
