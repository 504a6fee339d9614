/*
 * Copyright (C) 2020-2022, IrineSistiana
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

package memory_cache_backend

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gerenciador-demandas/demandas-cache/pkg/cache_backend"
	"github.com/gerenciador-demandas/demandas-cache/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var _ cache_backend.CacheBackend[any] = (*MemoryCache[any])(nil)

// MemoryCache is a bounded map cache that stores values in memory.
// It is safe for concurrent use.
type MemoryCache[V any] struct {
	opts   MemoryCacheOpts
	clock  clock.Clock
	logger *zap.Logger

	closed      atomic.Bool
	closeNotify chan struct{}
	gcDone      chan struct{}

	mu  sync.Mutex
	m   map[string]*cache_backend.Entry[V]
	seq uint64

	queryTotal    prometheus.Counter
	hitTotal      prometheus.Counter
	evictionTotal prometheus.Counter
	expiredTotal  prometheus.Counter
	size          prometheus.GaugeFunc
}

type MemoryCacheOpts struct {
	// MaxSize is the maximum number of entries. Default is 1024.
	MaxSize int

	// DefaultTTL is used when Set is called without a ttl. Default is 5m.
	DefaultTTL time.Duration

	// EvictionPolicy selects the victim when the cache is full. Default is lru.
	EvictionPolicy cache_backend.Policy

	// CleanerInterval specifies the interval that the cache scans
	// and discards expired values. Default is 1m.
	CleanerInterval time.Duration

	// Clock is used for all timestamps and the cleaner ticker.
	// A nil Clock means the wall clock.
	Clock clock.Clock

	// Logger is the *zap.Logger for this cache.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	// MetricsTag is the value of the "tag" label of the metrics.
	MetricsTag string
}

func (opts *MemoryCacheOpts) init() {
	utils.SetDefaultNum(&opts.MaxSize, cache_backend.DefaultSize)
	utils.SetDefaultNum(&opts.DefaultTTL, cache_backend.DefaultTTL)
	utils.SetDefaultNum(&opts.CleanerInterval, cache_backend.DefaultCleanerInterval)
	if !opts.EvictionPolicy.Valid() {
		opts.EvictionPolicy = cache_backend.PolicyLRU
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
}

// NewMemoryCache initializes a MemoryCache and starts its cleaner.
// The caller owns the cache and must call Close to stop the cleaner.
func NewMemoryCache[V any](opts MemoryCacheOpts) *MemoryCache[V] {
	opts.init()
	lb := map[string]string{"tag": opts.MetricsTag}
	c := &MemoryCache[V]{
		opts:        opts,
		clock:       opts.Clock,
		logger:      opts.Logger,
		closeNotify: make(chan struct{}),
		gcDone:      make(chan struct{}),
		m:           make(map[string]*cache_backend.Entry[V]),

		queryTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "query_total",
			Help:        "The total number of cache lookups",
			ConstLabels: lb,
		}),
		hitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "hit_total",
			Help:        "The total number of lookups that hit the cache",
			ConstLabels: lb,
		}),
		evictionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "eviction_total",
			Help:        "The total number of entries evicted because the cache was full",
			ConstLabels: lb,
		}),
		expiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "expired_total",
			Help:        "The total number of entries removed because their ttl passed",
			ConstLabels: lb,
		}),
	}
	c.size = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "size_current",
		Help:        "Current cache size in records",
		ConstLabels: lb,
	}, func() float64 {
		return float64(c.Len())
	})

	// The ticker is created before the goroutine starts so that a mock
	// clock advanced right after construction still fires it.
	ticker := c.clock.Ticker(opts.CleanerInterval)
	go c.gcLoop(ticker)
	return c
}

func (c *MemoryCache[V]) RegMetricsTo(r prometheus.Registerer) error {
	for _, collector := range [...]prometheus.Collector{c.queryTotal, c.hitTotal, c.evictionTotal, c.expiredTotal, c.size} {
		if err := r.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the cleaner and removes all entries.
// Only the first call has any effect.
func (c *MemoryCache[V]) Close() error {
	if ok := c.closed.CompareAndSwap(false, true); ok {
		close(c.closeNotify)
		<-c.gcDone
		c.Clear()
	}
	return nil
}

func (c *MemoryCache[V]) nextSeq() uint64 {
	c.seq++
	return c.seq
}

// Get returns the value of key if it is present and not expired.
// A hit increases the access count and updates the last access time.
// An expired entry is removed.
func (c *MemoryCache[V]) Get(key string) (value V, ok bool) {
	c.queryTotal.Inc()
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	e, hasEntry := c.m[key]
	if !hasEntry {
		return
	}
	if e.Expired(now) {
		delete(c.m, key)
		c.expiredTotal.Inc()
		return
	}
	e.Touch(now, c.nextSeq())
	c.hitTotal.Inc()
	return e.Value, true
}

// Has is like Get but does not touch the access statistics.
func (c *MemoryCache[V]) Has(key string) bool {
	_, ok := c.Peek(key)
	return ok
}

// Peek is like Get but does not touch the access statistics
// and is not counted as a query.
func (c *MemoryCache[V]) Peek(key string) (value V, ok bool) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	e, hasEntry := c.m[key]
	if !hasEntry {
		return
	}
	if e.Expired(now) {
		delete(c.m, key)
		c.expiredTotal.Inc()
		return
	}
	return e.Value, true
}

// Set inserts or replaces the entry of key. If the cache is full and key
// is new, exactly one victim chosen by the eviction policy is removed first.
// Set is a noop after Close.
func (c *MemoryCache[V]) Set(key string, value V, opts ...cache_backend.SetOption) {
	if c.closed.Load() {
		return
	}
	o := cache_backend.ApplySetOptions(c.opts.DefaultTTL, opts...)
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	// Close may have cleared the map since the first check.
	if c.closed.Load() {
		return
	}
	if _, dup := c.m[key]; !dup && len(c.m) >= c.opts.MaxSize {
		c.evictOne()
	}
	c.m[key] = cache_backend.NewEntry(value, now, o, c.nextSeq())
}

// evictOne must be called with c.mu held.
func (c *MemoryCache[V]) evictOne() {
	victim, ok := cache_backend.SelectVictim(c.opts.EvictionPolicy, c.m)
	if !ok {
		return
	}
	delete(c.m, victim)
	c.evictionTotal.Inc()
	c.logger.Debug("entry evicted",
		zap.String("tag", c.opts.MetricsTag),
		zap.String("key", victim),
		zap.String("policy", string(c.opts.EvictionPolicy)),
	)
}

// Delete removes key and reports whether it was present.
func (c *MemoryCache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.m[key]
	delete(c.m, key)
	return ok
}

// Clear removes all stored entries from this cache.
func (c *MemoryCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.m)
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

func (c *MemoryCache[V]) Stats() cache_backend.Stats {
	now := c.clock.Now()
	s := cache_backend.Stats{MaxSize: c.opts.MaxSize}
	var totalAge time.Duration

	c.mu.Lock()
	for _, e := range c.m {
		if e.Expired(now) {
			s.Expired++
			continue
		}
		s.Size++
		s.TotalAccesses += e.AccessCount
		totalAge += now.Sub(e.Timestamp)
	}
	c.mu.Unlock()

	if s.Size > 0 {
		s.AverageAge = totalAge.Seconds() / float64(s.Size)
	}
	s.Utilization = utils.ClampFloat(float64(s.Size)/float64(s.MaxSize)*100, 0, 100)
	return s
}

// Range calls f through all non-expired entries. f receives a copy of
// each entry and runs without the cache lock held. If f returns an error,
// Range stops and returns the same error.
func (c *MemoryCache[V]) Range(f func(key string, e cache_backend.Entry[V]) error) error {
	now := c.clock.Now()

	type kv struct {
		k string
		e cache_backend.Entry[V]
	}
	c.mu.Lock()
	snapshot := make([]kv, 0, len(c.m))
	for k, e := range c.m {
		if !e.Expired(now) {
			snapshot = append(snapshot, kv{k: k, e: *e})
		}
	}
	c.mu.Unlock()

	for _, p := range snapshot {
		if err := f(p.k, p.e); err != nil {
			return err
		}
	}
	return nil
}

func (c *MemoryCache[V]) gcLoop(ticker *clock.Ticker) {
	defer close(c.gcDone)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeNotify:
			return
		case <-ticker.C:
			c.gc(c.clock.Now())
		}
	}
}

func (c *MemoryCache[V]) gc(now time.Time) {
	removed := 0
	c.mu.Lock()
	for k, e := range c.m {
		if e.Expired(now) {
			delete(c.m, k)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.expiredTotal.Add(float64(removed))
		c.logger.Debug("expired entries cleaned",
			zap.String("tag", c.opts.MetricsTag),
			zap.Int("removed", removed),
		)
	}
}
