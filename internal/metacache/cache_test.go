package metacache_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"streamgate/internal/metacache"
	"streamgate/pkg/object"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type countingFetcher struct {
	calls   atomic.Int32
	meta    map[string]object.Metadata
	release chan struct{}
}

func (f *countingFetcher) Stat(_ context.Context, name string) (object.Metadata, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	meta, ok := f.meta[name]
	if !ok {
		return object.Metadata{}, object.ErrNotFound
	}
	return meta, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFetcher() *countingFetcher {
	return &countingFetcher{meta: map[string]object.Metadata{
		"reports.csv": {ETag: `"abc"`, Size: 1000, ContentType: "text/csv"},
	}}
}

func TestCacheServesFreshEntries(t *testing.T) {
	t.Parallel()

	fetcher := newFetcher()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := metacache.New(fetcher, metacache.WithTTL(time.Minute), metacache.WithClock(clock.Now))

	meta, err := cache.Get(context.Background(), "reports.csv")
	require.NoError(t, err)
	require.Equal(t, "abc", meta.ETag, "etag should be normalized without quotes")
	require.Equal(t, "reports.csv", meta.Name)
	require.Equal(t, clock.Now(), meta.CachedAt)

	clock.Advance(59 * time.Second)
	again, err := cache.Get(context.Background(), "reports.csv")
	require.NoError(t, err)
	require.Equal(t, meta, again)
	require.Equal(t, int32(1), fetcher.calls.Load(), "fresh entry should not hit the backend")
}

func TestCacheRefetchesAfterTTL(t *testing.T) {
	t.Parallel()

	fetcher := newFetcher()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := metacache.New(fetcher, metacache.WithTTL(time.Minute), metacache.WithClock(clock.Now))

	_, err := cache.Get(context.Background(), "reports.csv")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	meta, err := cache.Get(context.Background(), "reports.csv")
	require.NoError(t, err)
	require.Equal(t, int32(2), fetcher.calls.Load(), "expired entry should be refetched")
	require.Equal(t, clock.Now(), meta.CachedAt, "refetched entry gets a new timestamp")
}

func TestCacheDoesNotCacheNotFound(t *testing.T) {
	t.Parallel()

	fetcher := newFetcher()
	cache := metacache.New(fetcher)

	for range 3 {
		_, err := cache.Get(context.Background(), "missing")
		require.ErrorIs(t, err, object.ErrNotFound)
	}
	require.Equal(t, int32(3), fetcher.calls.Load())
}

func TestCacheInvalidate(t *testing.T) {
	t.Parallel()

	fetcher := newFetcher()
	cache := metacache.New(fetcher)

	_, err := cache.Get(context.Background(), "reports.csv")
	require.NoError(t, err)

	cache.Invalidate(context.Background(), "reports.csv")
	_, err = cache.Get(context.Background(), "reports.csv")
	require.NoError(t, err)
	require.Equal(t, int32(2), fetcher.calls.Load())
}

func TestCacheSingleFlightCollapsesMisses(t *testing.T) {
	t.Parallel()

	fetcher := newFetcher()
	fetcher.release = make(chan struct{})
	cache := metacache.New(fetcher, metacache.WithSingleFlight())

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan object.Metadata, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			meta, err := cache.Get(context.Background(), "reports.csv")
			if err == nil {
				results <- meta
			}
		}()
	}

	// Give every caller a chance to join the in-flight lookup.
	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(fetcher.release)
	wg.Wait()
	close(results)

	count := 0
	for meta := range results {
		require.Equal(t, "abc", meta.ETag)
		count++
	}
	require.Equal(t, callers, count)
	require.Equal(t, int32(1), fetcher.calls.Load(), "concurrent misses should share one fetch")
}

func TestCacheLookupHook(t *testing.T) {
	t.Parallel()

	var hits, misses int
	cache := metacache.New(newFetcher(), metacache.WithLookupHook(func(hit bool) {
		if hit {
			hits++
		} else {
			misses++
		}
	}))

	for range 3 {
		_, err := cache.Get(context.Background(), "reports.csv")
		require.NoError(t, err)
	}
	require.Equal(t, 1, misses)
	require.Equal(t, 2, hits)
}

func TestCachePurge(t *testing.T) {
	t.Parallel()

	fetcher := newFetcher()
	fetcher.meta["other"] = object.Metadata{ETag: "x"}
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := metacache.NewMemoryStore(4)
	cache := metacache.New(fetcher,
		metacache.WithStore(store),
		metacache.WithTTL(time.Minute),
		metacache.WithClock(clock.Now),
	)

	_, err := cache.Get(context.Background(), "reports.csv")
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	_, err = cache.Get(context.Background(), "other")
	require.NoError(t, err)
	require.Equal(t, 2, store.Len())

	clock.Advance(45 * time.Second)
	require.Equal(t, 1, cache.Purge(), "only the older entry has expired")
	require.Equal(t, 1, store.Len())
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	store := metacache.NewRedisStore(client, "streamgate:test:"+t.Name()+":")
	ctx := context.Background()

	meta := object.Metadata{
		Name:         "reports.csv",
		ETag:         "abc",
		Size:         1000,
		ContentType:  "text/csv",
		LastModified: time.Date(2024, 3, 10, 8, 30, 15, 0, time.UTC),
		CachedAt:     time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	store.Save(ctx, meta, time.Minute)

	got, ok := store.Load(ctx, "reports.csv")
	require.True(t, ok)
	require.True(t, meta.LastModified.Equal(got.LastModified))
	require.Equal(t, meta.ETag, got.ETag)
	require.Equal(t, meta.Size, got.Size)

	store.Delete(ctx, "reports.csv")
	_, ok = store.Load(ctx, "reports.csv")
	require.False(t, ok)
}

// cancellableFetcher blocks until released or until its context ends.
type cancellableFetcher struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (f *cancellableFetcher) Stat(ctx context.Context, name string) (object.Metadata, error) {
	if f.calls.Add(1) == 1 {
		close(f.started)
	}
	select {
	case <-ctx.Done():
		return object.Metadata{}, ctx.Err()
	case <-f.release:
	}
	return object.Metadata{ETag: "abc", Size: 10}, nil
}

func TestCacheSingleFlightSurvivesCallerCancellation(t *testing.T) {
	t.Parallel()

	fetcher := &cancellableFetcher{started: make(chan struct{}), release: make(chan struct{})}
	cache := metacache.New(fetcher, metacache.WithSingleFlight())

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()

	errA := make(chan error, 1)
	go func() {
		_, err := cache.Get(ctxA, "reports.csv")
		errA <- err
	}()
	<-fetcher.started

	type result struct {
		meta object.Metadata
		err  error
	}
	resB := make(chan result, 1)
	go func() {
		meta, err := cache.Get(context.Background(), "reports.csv")
		resB <- result{meta, err}
	}()

	// Let the second caller join the in-flight fetch before the first leaves.
	time.Sleep(20 * time.Millisecond)
	cancelA()
	require.ErrorIs(t, <-errA, context.Canceled)

	close(fetcher.release)
	res := <-resB
	require.NoError(t, res.err)
	require.Equal(t, "abc", res.meta.ETag)
	require.Equal(t, int32(1), fetcher.calls.Load())
}
