package memory_cache_backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/gerenciador-demandas/demandas-cache/pkg/cache_backend"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

type dumpRecord[V any] struct {
	Key          string                 `json:"key"`
	Value        V                      `json:"value"`
	Timestamp    time.Time              `json:"timestamp"`
	TTL          time.Duration          `json:"ttl"`
	Priority     cache_backend.Priority `json:"priority"`
	AccessCount  uint64                 `json:"access_count"`
	LastAccessed time.Time              `json:"last_accessed"`

	seq uint64
}

// Dump writes all non-expired entries to w as gzip compressed json lines,
// in insertion order. It returns the number of entries written.
func (c *MemoryCache[V]) Dump(w io.Writer) (int, error) {
	var records []dumpRecord[V]
	_ = c.Range(func(key string, e cache_backend.Entry[V]) error {
		records = append(records, dumpRecord[V]{
			Key:          key,
			Value:        e.Value,
			Timestamp:    e.Timestamp,
			TTL:          e.TTL,
			Priority:     e.Priority,
			AccessCount:  e.AccessCount,
			LastAccessed: e.LastAccessed,
			seq:          e.Seq,
		})
		return nil
	})
	slices.SortFunc(records, func(a, b dumpRecord[V]) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})

	gw := gzip.NewWriter(w)
	enc := json.NewEncoder(gw)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return i, fmt.Errorf("failed to encode entry %s, %w", records[i].Key, err)
		}
	}
	if err := gw.Close(); err != nil {
		return len(records), fmt.Errorf("failed to flush gzip writer, %w", err)
	}
	return len(records), nil
}

// Load reads entries written by Dump. Entries that already expired are
// skipped. Loaded entries keep their original timestamps and ttl, and
// go through the normal eviction path if the cache is full.
// It returns the number of entries loaded.
func (c *MemoryCache[V]) Load(r io.Reader) (int, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("failed to open gzip reader, %w", err)
	}
	defer gr.Close()

	dec := json.NewDecoder(gr)
	loaded, skipped := 0, 0
	for {
		var rec dumpRecord[V]
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return loaded, fmt.Errorf("failed to decode entry, %w", err)
		}
		if c.restore(&rec) {
			loaded++
		} else {
			skipped++
		}
	}
	c.logger.Debug("cache dump loaded",
		zap.String("tag", c.opts.MetricsTag),
		zap.Int("loaded", loaded),
		zap.Int("skipped", skipped),
	)
	return loaded, nil
}

func (c *MemoryCache[V]) restore(rec *dumpRecord[V]) bool {
	if c.closed.Load() {
		return false
	}
	if !rec.Priority.Valid() {
		rec.Priority = cache_backend.PriorityMedium
	}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return false
	}
	seq := c.nextSeq()
	e := &cache_backend.Entry[V]{
		Value:        rec.Value,
		Timestamp:    rec.Timestamp,
		TTL:          rec.TTL,
		Priority:     rec.Priority,
		AccessCount:  rec.AccessCount,
		LastAccessed: rec.LastAccessed,
		Seq:          seq,
		AccessSeq:    seq,
	}
	if e.Expired(now) {
		return false
	}
	if _, dup := c.m[rec.Key]; !dup && len(c.m) >= c.opts.MaxSize {
		c.evictOne()
	}
	c.m[rec.Key] = e
	return true
}
