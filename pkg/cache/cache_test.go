package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gerenciador-demandas/demandas-cache/pkg/cache_backend"
	"github.com/gerenciador-demandas/demandas-cache/pkg/cache_backend/memory_cache_backend"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serviceOrder struct {
	ID     string
	Status string
}

func newStore(t *testing.T) (*memory_cache_backend.MemoryCache[serviceOrder], *clock.Mock) {
	t.Helper()
	mc := clock.NewMock()
	s := memory_cache_backend.NewMemoryCache[serviceOrder](memory_cache_backend.MemoryCacheOpts{
		MaxSize:    16,
		DefaultTTL: time.Minute,
		Clock:      mc,
	})
	t.Cleanup(func() { _ = s.Close() })
	return s, mc
}

// countingFetcher returns a Fetcher and the number of times it was called.
func countingFetcher(v serviceOrder, err error) (Fetcher[serviceOrder], *atomic.Int32) {
	calls := new(atomic.Int32)
	return func(ctx context.Context) (serviceOrder, error) {
		calls.Add(1)
		return v, err
	}, calls
}

func TestWithCache_MissThenHit(t *testing.T) {
	s, _ := newStore(t)
	want := serviceOrder{ID: "os-1", Status: "aberta"}
	fetch, calls := countingFetcher(want, nil)

	got, err := WithCache(context.Background(), s, "os-1", fetch)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.EqualValues(t, 1, calls.Load())

	got, err = WithCache(context.Background(), s, "os-1", fetch)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.EqualValues(t, 1, calls.Load(), "a hit must not fetch")
}

func TestWithCache_Options(t *testing.T) {
	s, mc := newStore(t)
	fetch, calls := countingFetcher(serviceOrder{ID: "os-2"}, nil)

	_, err := WithCache(context.Background(), s, "os-2", fetch, cache_backend.WithTTL(10*time.Millisecond))
	require.NoError(t, err)
	mc.Add(20 * time.Millisecond)

	_, err = WithCache(context.Background(), s, "os-2", fetch)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load(), "expired entry is fetched again")
}

func TestWithCache_Error(t *testing.T) {
	s, _ := newStore(t)
	errOrigin := errors.New("origin unavailable")
	fetch, calls := countingFetcher(serviceOrder{}, errOrigin)

	_, err := WithCache(context.Background(), s, "os-3", fetch)
	assert.Same(t, errOrigin, err)
	assert.False(t, s.Has("os-3"), "errors are not cached")

	_, err = WithCache(context.Background(), s, "os-3", fetch)
	assert.Same(t, errOrigin, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestWithCache_ConcurrentMissesAllFetch(t *testing.T) {
	s, _ := newStore(t)
	release := make(chan struct{})
	calls := new(atomic.Int32)
	fetch := func(ctx context.Context) (serviceOrder, error) {
		calls.Add(1)
		<-release
		return serviceOrder{ID: "k"}, nil
	}

	wg := new(sync.WaitGroup)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := WithCache(context.Background(), s, "k", fetch)
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
	assert.EqualValues(t, 2, calls.Load())
}

func TestLoader_Coalesce(t *testing.T) {
	s, _ := newStore(t)
	l := NewLoader[serviceOrder](s, LoaderOpts{MetricsTag: "test"})
	release := make(chan struct{})
	calls := new(atomic.Int32)
	fetch := func(ctx context.Context) (serviceOrder, error) {
		calls.Add(1)
		<-release
		return serviceOrder{ID: "k", Status: "ok"}, nil
	}

	const n = 8
	wg := new(sync.WaitGroup)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := l.Load(context.Background(), "k", fetch)
			assert.NoError(t, err)
			assert.Equal(t, "ok", v.Status)
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond) // let the other callers join the flight
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 1, testutil.ToFloat64(l.fetchTotal))
	assert.EqualValues(t, n-1, testutil.ToFloat64(l.coalescedTotal), "the caller that ran the fetch is not coalesced")
	assert.True(t, s.Has("k"))

	// hit
	_, err := l.Load(context.Background(), "k", fetch)
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestLoader_Error(t *testing.T) {
	s, _ := newStore(t)
	l := NewLoader[serviceOrder](s, LoaderOpts{})
	errOrigin := errors.New("origin unavailable")
	fetch, calls := countingFetcher(serviceOrder{}, errOrigin)

	_, err := l.Load(context.Background(), "k", fetch)
	assert.ErrorIs(t, err, errOrigin)
	assert.False(t, s.Has("k"))
	assert.EqualValues(t, 1, testutil.ToFloat64(l.fetchErrorTotal))

	// Failures are not remembered.
	_, err = l.Load(context.Background(), "k", fetch)
	assert.ErrorIs(t, err, errOrigin)
	assert.EqualValues(t, 2, calls.Load())
}

func TestLoader_CallerCancel(t *testing.T) {
	s, _ := newStore(t)
	l := NewLoader[serviceOrder](s, LoaderOpts{})
	release := make(chan struct{})
	fetch := func(ctx context.Context) (serviceOrder, error) {
		<-release
		return serviceOrder{ID: "k"}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := l.Load(ctx, "k", fetch)
		done <- err
	}()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// The abandoned fetch still fills the cache.
	close(release)
	require.Eventually(t, func() bool { return s.Has("k") }, time.Second, time.Millisecond)
}

func TestLoader_FetchTimeout(t *testing.T) {
	s, _ := newStore(t)
	l := NewLoader[serviceOrder](s, LoaderOpts{FetchTimeout: 10 * time.Millisecond})
	fetch := func(ctx context.Context) (serviceOrder, error) {
		<-ctx.Done()
		return serviceOrder{}, ctx.Err()
	}
	_, err := l.Load(context.Background(), "k", fetch)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoader_RateLimit(t *testing.T) {
	s, _ := newStore(t)
	l := NewLoader[serviceOrder](s, LoaderOpts{Rate: 0.001, Burst: 1, FetchTimeout: 50 * time.Millisecond})
	fetch, calls := countingFetcher(serviceOrder{ID: "x"}, nil)

	_, err := l.Load(context.Background(), "a", fetch)
	require.NoError(t, err)

	// The bucket is empty and refills far slower than FetchTimeout.
	_, err = l.Load(context.Background(), "b", fetch)
	assert.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestLoader_Metrics(t *testing.T) {
	s, _ := newStore(t)
	l := NewLoader[serviceOrder](s, LoaderOpts{MetricsTag: "test"})
	reg := prometheus.NewRegistry()
	require.NoError(t, l.RegMetricsTo(reg))
	assert.Error(t, l.RegMetricsTo(reg))
}

// lateStore misses every Get, as if the key was filled by another flight
// right after the caller looked.
type lateStore struct {
	*memory_cache_backend.MemoryCache[serviceOrder]
	gets atomic.Int32
}

func (s *lateStore) Get(string) (serviceOrder, bool) {
	s.gets.Add(1)
	return serviceOrder{}, false
}

func TestLoader_RecheckDoesNotTouch(t *testing.T) {
	mem, _ := newStore(t)
	mem.Set("k", serviceOrder{ID: "k", Status: "cached"})
	s := &lateStore{MemoryCache: mem}
	l := NewLoader[serviceOrder](s, LoaderOpts{})
	fetch, calls := countingFetcher(serviceOrder{ID: "k", Status: "fetched"}, nil)

	v, err := l.Load(context.Background(), "k", fetch)
	require.NoError(t, err)
	assert.Equal(t, "cached", v.Status)
	assert.EqualValues(t, 0, calls.Load())
	assert.EqualValues(t, 1, s.gets.Load(), "only the caller's own lookup is a query")
	assert.EqualValues(t, 0, mem.Stats().TotalAccesses, "the recheck is not an access")
	assert.EqualValues(t, 0, testutil.ToFloat64(l.coalescedTotal))
}
