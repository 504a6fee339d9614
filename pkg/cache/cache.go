package cache

import (
	"context"

	"github.com/gerenciador-demandas/demandas-cache/pkg/cache_backend"
)

// Store is the part of a cache backend that cache-aside reads need.
type Store[V any] interface {
	Get(key string) (value V, ok bool)
	Set(key string, value V, opts ...cache_backend.SetOption)
}

// PeekStore is a Store that can also read a value without it counting
// as an access.
type PeekStore[V any] interface {
	Store[V]
	Peek(key string) (value V, ok bool)
}

// Fetcher loads a value from the source of truth.
type Fetcher[V any] func(ctx context.Context) (V, error)

// WithCache returns the cached value of key, or calls fetch and caches
// its result on a miss. A fetch error is returned as is and nothing is
// cached.
// Concurrent misses on the same key each call fetch. Use a Loader to
// share one fetch between them.
func WithCache[V any](ctx context.Context, s Store[V], key string, fetch Fetcher[V], opts ...cache_backend.SetOption) (V, error) {
	if v, ok := s.Get(key); ok {
		return v, nil
	}
	v, err := fetch(ctx)
	if err != nil {
		var zero V
		return zero, err
	}
	s.Set(key, v, opts...)
	return v, nil
}
