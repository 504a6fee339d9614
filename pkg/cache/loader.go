/*
 * Copyright (C) 2024, Vizaxe
 *
 * This file is part of demandas-cache.
 *
 * demandas-cache is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * demandas-cache is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gerenciador-demandas/demandas-cache/pkg/cache_backend"
	"github.com/gerenciador-demandas/demandas-cache/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	defaultFetchTimeout = time.Second * 5
)

// Loader is a cache-aside reader that shares one in-flight fetch
// between all concurrent misses of a key.
type Loader[V any] struct {
	opts    LoaderOpts
	store   PeekStore[V]
	logger  *zap.Logger
	sf      singleflight.Group
	limiter *rate.Limiter

	fetchTotal      prometheus.Counter
	fetchErrorTotal prometheus.Counter
	coalescedTotal  prometheus.Counter
}

type LoaderOpts struct {
	// FetchTimeout bounds a shared fetch. A fetch is not cancelled when
	// the caller that started it gives up, because other callers may be
	// waiting for it. Default is 5s.
	FetchTimeout time.Duration

	// Rate limits fetches per second. Zero means no limit.
	Rate float64
	// Burst is the limiter bucket size. Default is 1.
	Burst int

	// Logger is the *zap.Logger for this Loader.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	// MetricsTag is the value of the "tag" label of the metrics.
	MetricsTag string
}

func (opts *LoaderOpts) init() {
	utils.SetDefaultNum(&opts.FetchTimeout, defaultFetchTimeout)
	utils.SetDefaultNum(&opts.Burst, 1)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
}

func NewLoader[V any](store PeekStore[V], opts LoaderOpts) *Loader[V] {
	opts.init()
	lb := map[string]string{"tag": opts.MetricsTag}
	l := &Loader[V]{
		opts:   opts,
		store:  store,
		logger: opts.Logger,

		fetchTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "fetch_total",
			Help:        "The total number of fetches from the source of truth",
			ConstLabels: lb,
		}),
		fetchErrorTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "fetch_error_total",
			Help:        "The total number of failed fetches",
			ConstLabels: lb,
		}),
		coalescedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "coalesced_total",
			Help:        "The total number of lookups that shared an in-flight fetch",
			ConstLabels: lb,
		}),
	}
	if opts.Rate > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst)
	}
	return l
}

func (l *Loader[V]) RegMetricsTo(r prometheus.Registerer) error {
	for _, collector := range [...]prometheus.Collector{l.fetchTotal, l.fetchErrorTotal, l.coalescedTotal} {
		if err := r.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// Load returns the cached value of key, or fetches it on a miss.
// Concurrent misses of the same key wait for a single call of fetch.
// If ctx is done first, Load returns ctx.Err() but the fetch keeps
// running for the other waiters and still fills the cache.
func (l *Loader[V]) Load(ctx context.Context, key string, fetch Fetcher[V], opts ...cache_backend.SetOption) (V, error) {
	var zero V
	if v, ok := l.store.Get(key); ok {
		return v, nil
	}

	fetchCtx := context.WithoutCancel(ctx)
	leader := false // only written by the flight, read after ch is received
	ch := l.sf.DoChan(key, func() (any, error) {
		leader = true
		// A flight may have filled the key between our miss and now.
		if v, ok := l.store.Peek(key); ok {
			return v, nil
		}
		return l.fetch(fetchCtx, key, fetch, opts)
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Shared && !leader {
			l.coalescedTotal.Inc()
		}
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	}
}

func (l *Loader[V]) fetch(ctx context.Context, key string, fetch Fetcher[V], opts []cache_backend.SetOption) (V, error) {
	ctx, cancel := context.WithTimeout(ctx, l.opts.FetchTimeout)
	defer cancel()

	var zero V
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return zero, fmt.Errorf("fetch of %s was not allowed by the rate limiter, %w", key, err)
		}
	}

	l.fetchTotal.Inc()
	start := time.Now()
	v, err := fetch(ctx)
	if err != nil {
		l.fetchErrorTotal.Inc()
		l.logger.Warn("fetch failed", zap.String("tag", l.opts.MetricsTag), zap.String("key", key), zap.Error(err))
		return zero, fmt.Errorf("failed to fetch %s, %w", key, err)
	}
	l.store.Set(key, v, opts...)
	l.logger.Debug("cache filled",
		zap.String("tag", l.opts.MetricsTag),
		zap.String("key", key),
		zap.Duration("elapsed", time.Since(start)),
	)
	return v, nil
}
