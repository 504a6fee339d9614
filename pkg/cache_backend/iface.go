package cache_backend

import (
	"time"
)

const (
	DefaultSize            = 1024
	DefaultTTL             = time.Minute * 5
	DefaultCleanerInterval = time.Minute
)

// CacheBackend is a bounded, expiring key-value store.
// All operations are total. A missing or expired key is reported
// through the ok/bool results, never as an error.
type CacheBackend[V any] interface {
	Close() error
	Get(key string) (value V, ok bool)
	// Peek is Get without touching access statistics or query metrics.
	Peek(key string) (value V, ok bool)
	Has(key string) bool
	Set(key string, value V, opts ...SetOption)
	Delete(key string) bool
	Clear()
	Len() int
	Stats() Stats
}

// Stats is a read-only diagnostic snapshot of a CacheBackend.
type Stats struct {
	Size          int     `json:"size"`
	MaxSize       int     `json:"max_size"`
	Utilization   float64 `json:"utilization"`
	TotalAccesses uint64  `json:"total_accesses"`
	AverageAge    float64 `json:"average_age"` // seconds
	Expired       int     `json:"expired"`
}

type SetOpts struct {
	TTL      time.Duration
	Priority Priority
}

type SetOption func(o *SetOpts)

// WithTTL overrides the backend's default ttl. A ttl <= 0 keeps the default.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *SetOpts) {
		o.TTL = ttl
	}
}

func WithPriority(p Priority) SetOption {
	return func(o *SetOpts) {
		o.Priority = p
	}
}

// ApplySetOptions folds opts and fills unset fields with defaultTTL
// and PriorityMedium.
func ApplySetOptions(defaultTTL time.Duration, opts ...SetOption) SetOpts {
	var o SetOpts
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.TTL <= 0 {
		o.TTL = defaultTTL
	}
	if !o.Priority.Valid() {
		o.Priority = PriorityMedium
	}
	return o
}
