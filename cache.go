// Package pgcache is a distributed cache client library that uses
// PostgreSQL as the authoritative shared store and layers a bounded,
// TTL-aware process-local cache on top, with cross-process invalidation
// delivered over LISTEN/NOTIFY and single-flight loader coalescing for
// concurrent misses.
package pgcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mnorrsken/pgcache/internal/listener"
	"github.com/mnorrsken/pgcache/internal/localcache"
	"github.com/mnorrsken/pgcache/internal/pgstore"
	"github.com/mnorrsken/pgcache/internal/schema"
	"github.com/mnorrsken/pgcache/internal/singleflight"
)

type lifecycleState int

const (
	stateConstructed lifecycleState = iota
	stateRunning
	stateClosed
)

// Loader populates a missing cache entry. It is invoked by GetOrSet at most
// once per (process, key, slot-lifetime).
type Loader func(ctx context.Context) (any, error)

// Cache is the façade over the local tier, the authoritative store, the
// single-flight registry, and the notification listener. The zero value is
// not usable; construct one with New.
type Cache struct {
	settings Settings
	names    schema.Names
	originID string
	codec    Codec

	local *localcache.Cache
	sf    *singleflight.Registry

	mu       sync.Mutex
	state    lifecycleState
	pool     *pgxpool.Pool
	store    *pgstore.Store
	listener *listener.Listener
}

// New validates settings and constructs a Cache in the constructed state.
// No network I/O happens until Connect.
func New(settings Settings) (*Cache, error) {
	names, err := schema.Resolve(settings.SchemaPrefix, settings.NotifyChannel)
	if err != nil {
		return nil, newConfigError("resolve schema", err)
	}
	if settings.DSN == "" {
		return nil, newConfigError("dsn is required", nil)
	}

	codec := settings.Codec
	if codec == nil {
		codec = JSONCodec{}
	}

	return &Cache{
		settings: settings,
		names:    names,
		originID: uuid.NewString(),
		codec:    codec,
		local:    localcache.New(settings.LocalMaxEntries),
		sf:       singleflight.NewRegistry(),
		state:    stateConstructed,
	}, nil
}

// Connect acquires the authoritative-store pool, starts the notification
// listener (unless disabled), and transitions the instance to running.
func (c *Cache) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == stateRunning {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	if c.state == stateClosed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	cfg, err := pgxpool.ParseConfig(c.settings.DSN)
	if err != nil {
		c.transitionClosed()
		return newConfigError("parse dsn", err)
	}
	if c.settings.PoolMinConns > 0 {
		cfg.MinConns = c.settings.PoolMinConns
	}
	if c.settings.PoolMaxConns > 0 {
		cfg.MaxConns = c.settings.PoolMaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		c.transitionClosed()
		return newStoreError("acquire pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		c.transitionClosed()
		return newStoreError("ping", err)
	}

	store := pgstore.New(pool, c.names, c.originID, c.settings.DisableNotify)

	var lst *listener.Listener
	if !c.settings.DisableNotify {
		lst = listener.New(c.settings.DSN, c.names, c.local, c.settings.Debug)
		lst.OnReconnect(func() {
			c.local.Clear()
			listenerReconnects.Inc()
		})
		lst.OnDecodeError(func(error) {
			listenerDecodeErrors.Inc()
		})
		if err := lst.Start(ctx); err != nil {
			pool.Close()
			c.transitionClosed()
			return newStoreError("start listener", err)
		}
	}

	c.mu.Lock()
	c.pool = pool
	c.store = store
	c.listener = lst
	c.state = stateRunning
	c.mu.Unlock()
	return nil
}

func (c *Cache) transitionClosed() {
	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
}

// Close stops the listener, drains the pool, clears the local cache, and
// fails every outstanding single-flight slot with ErrCancelled. Idempotent.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	pool := c.pool
	lst := c.listener
	c.state = stateClosed
	c.pool = nil
	c.store = nil
	c.listener = nil
	c.mu.Unlock()

	if lst != nil {
		lst.Close()
	}
	c.sf.Shutdown(ErrCancelled)
	c.local.Clear()
	if pool != nil {
		pool.Close()
	}
}

// Use runs fn with a freshly connected Cache built from settings, closing
// it afterward regardless of fn's outcome.
func Use(ctx context.Context, settings Settings, fn func(ctx context.Context, cache *Cache) error) error {
	cache, err := New(settings)
	if err != nil {
		return err
	}
	if err := cache.Connect(ctx); err != nil {
		return err
	}
	defer cache.Close()
	return fn(ctx, cache)
}

func (c *Cache) requireRunning() (*pgstore.Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateRunning {
		return nil, ErrNotConnected
	}
	return c.store, nil
}

func (c *Cache) storeTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.settings.StatementTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.settings.StatementTimeout)
}

// Get returns the value for key, or nil if it is absent or expired. A store
// hit refreshes the local cache with the row's expiry.
func (c *Cache) Get(ctx context.Context, key string) (any, error) {
	store, err := c.requireRunning()
	if err != nil {
		return nil, err
	}

	if v, ok := c.local.Peek(key); ok {
		cacheHits.Inc()
		return v, nil
	}
	cacheMisses.Inc()

	opCtx, cancel := c.storeTimeout(ctx)
	defer cancel()

	start := time.Now()
	raw, expiresAt, found, err := store.Select(opCtx, key)
	storeOpDuration.WithLabelValues("select").Observe(time.Since(start).Seconds())
	if err != nil {
		storeOpErrors.WithLabelValues("select").Inc()
		return nil, newStoreError("select", err)
	}
	if !found {
		return nil, nil
	}

	var value any
	if err := c.codec.Decode(raw, &value); err != nil {
		return nil, err
	}
	c.local.Put(key, value, expiresAt)
	return value, nil
}

// Set encodes value, upserts the row with the given TTL, updates the local
// cache, and emits an invalidation event to peers. The local cache reflects
// the new value before Set returns; on failure the prior local entry is
// left intact.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	store, err := c.requireRunning()
	if err != nil {
		return err
	}

	data, err := c.codec.Encode(value)
	if err != nil {
		return err
	}

	expiresAt := time.Now().Add(ttl)

	opCtx, cancel := c.storeTimeout(ctx)
	defer cancel()

	start := time.Now()
	err = store.Upsert(opCtx, key, data, expiresAt)
	storeOpDuration.WithLabelValues("upsert").Observe(time.Since(start).Seconds())
	if err != nil {
		storeOpErrors.WithLabelValues("upsert").Inc()
		return newStoreError("upsert", err)
	}

	c.local.Put(key, value, expiresAt)
	return nil
}

// GetOrSet returns the cached value for key, invoking loader to populate it
// on a miss. Concurrent callers for the same key share a single loader
// invocation: the first caller becomes the creator and runs loader, while
// the rest suspend until the creator publishes a result.
func (c *Cache) GetOrSet(ctx context.Context, key string, loader Loader, ttl time.Duration) (any, error) {
	if value, err := c.Get(ctx, key); err != nil || value != nil {
		return value, err
	}

	slot, isCreator, err := c.sf.Acquire(key)
	if err != nil {
		return nil, ErrCancelled
	}

	if !isCreator {
		loaderCoalesced.Inc()
		value, err := slot.Wait(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, ErrCancelled
			}
			return nil, err
		}
		return value, nil
	}

	loaderInvocations.Inc()
	defer c.sf.Release(key, slot)

	// Read-after-lock: another process may have populated the row while we
	// were acquiring the slot.
	if value, err := c.Get(ctx, key); err != nil {
		slot.Fail(err)
		return nil, err
	} else if value != nil {
		slot.Resolve(value)
		return value, nil
	}

	value, err := loader(ctx)
	if err != nil {
		loaderErr := newLoaderError(err)
		slot.Fail(loaderErr)
		return nil, loaderErr
	}

	if err := c.Set(ctx, key, value, ttl); err != nil {
		slot.Fail(err)
		return nil, err
	}

	slot.Resolve(value)
	return value, nil
}

// Invalidate deletes the authoritative row for key, drops the local entry,
// and emits an invalidation event. It reports whether a row existed.
func (c *Cache) Invalidate(ctx context.Context, key string) (bool, error) {
	store, err := c.requireRunning()
	if err != nil {
		return false, err
	}

	opCtx, cancel := c.storeTimeout(ctx)
	defer cancel()

	start := time.Now()
	deleted, err := store.Delete(opCtx, key)
	storeOpDuration.WithLabelValues("delete").Observe(time.Since(start).Seconds())
	if err != nil {
		storeOpErrors.WithLabelValues("delete").Inc()
		return false, newStoreError("delete", err)
	}

	c.local.Drop(key)
	return deleted, nil
}

// OriginID returns the opaque identifier this process stamps into every
// invalidation event it emits.
func (c *Cache) OriginID() string { return c.originID }

func (c *Cache) String() string {
	return fmt.Sprintf("pgcache.Cache{table=%s, channel=%s}", c.names.EntriesTable, c.names.Channel)
}
