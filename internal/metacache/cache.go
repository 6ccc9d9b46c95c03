// Package metacache keeps object metadata close to the proxy so repeated
// requests for the same object do not each pay for a backend round trip.
package metacache

import (
	"context"
	"log/slog"
	"time"

	"streamgate/pkg/object"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long an entry is served before it is refetched.
const DefaultTTL = 5 * time.Minute

// sharedFetchTimeout bounds a single-flight fetch, which no longer follows
// any one caller's cancellation.
const sharedFetchTimeout = 30 * time.Second

// Fetcher loads authoritative metadata. object.Backend satisfies it.
type Fetcher interface {
	Stat(ctx context.Context, name string) (object.Metadata, error)
}

// Store holds cached entries. Stores do not judge freshness; the Cache
// compares CachedAt against its own clock.
type Store interface {
	Load(ctx context.Context, name string) (object.Metadata, bool)
	Save(ctx context.Context, meta object.Metadata, ttl time.Duration)
	Delete(ctx context.Context, name string)
}

// purger is implemented by stores that need help dropping expired entries.
type purger interface {
	Purge(olderThan time.Time) int
}

// Cache is a time-bounded metadata cache in front of a Fetcher.
type Cache struct {
	fetcher Fetcher
	store   Store
	ttl     time.Duration
	now     func() time.Time
	group   *singleflight.Group
	onHit   func(hit bool)
}

type Option func(*Cache)

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithStore(store Store) Option {
	return func(c *Cache) {
		if store != nil {
			c.store = store
		}
	}
}

// WithClock replaces the time source used to stamp and expire entries.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSingleFlight collapses concurrent misses for the same name into one
// backend call.
func WithSingleFlight() Option {
	return func(c *Cache) {
		c.group = &singleflight.Group{}
	}
}

// WithLookupHook registers a callback told whether each Get was a hit.
func WithLookupHook(fn func(hit bool)) Option {
	return func(c *Cache) {
		c.onHit = fn
	}
}

// New creates a Cache over fetcher. Without WithStore an in-memory store is
// used.
func New(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher: fetcher,
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = NewMemoryStore(DefaultShards)
	}
	return c
}

// TTL reports the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns metadata for name, serving a cached entry while it is younger
// than the TTL. Backend errors, including object.ErrNotFound, are returned
// as is and never cached.
func (c *Cache) Get(ctx context.Context, name string) (object.Metadata, error) {
	if meta, ok := c.store.Load(ctx, name); ok && c.fresh(meta) {
		c.observe(true)
		return meta, nil
	}
	c.observe(false)

	if c.group == nil {
		return c.fetch(ctx, name)
	}

	// The shared fetch outlives the caller that started it, so one client
	// going away cannot fail the others waiting on the same name.
	ch := c.group.DoChan(name, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedFetchTimeout)
		defer cancel()
		return c.fetch(fetchCtx, name)
	})

	select {
	case <-ctx.Done():
		return object.Metadata{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return object.Metadata{}, res.Err
		}
		return res.Val.(object.Metadata), nil
	}
}

// Invalidate drops any cached entry for name.
func (c *Cache) Invalidate(ctx context.Context, name string) {
	c.store.Delete(ctx, name)
	if c.group != nil {
		c.group.Forget(name)
	}
}

// Purge removes expired entries from stores that do not expire on their own
// and returns how many were dropped.
func (c *Cache) Purge() int {
	p, ok := c.store.(purger)
	if !ok {
		return 0
	}
	return p.Purge(c.now().Add(-c.ttl))
}

func (c *Cache) fresh(meta object.Metadata) bool {
	return c.now().Sub(meta.CachedAt) < c.ttl
}

func (c *Cache) fetch(ctx context.Context, name string) (object.Metadata, error) {
	meta, err := c.fetcher.Stat(ctx, name)
	if err != nil {
		return object.Metadata{}, err
	}

	meta.Name = name
	meta.ETag = object.NormalizeETag(meta.ETag)
	meta.CachedAt = c.now()
	if meta.Size < 0 {
		slog.Warn("Backend reported negative object size", slog.String("name", name), slog.Int64("size", meta.Size))
		meta.Size = 0
	}

	c.store.Save(ctx, meta, c.ttl)
	return meta, nil
}

func (c *Cache) observe(hit bool) {
	if c.onHit != nil {
		c.onHit(hit)
	}
}
