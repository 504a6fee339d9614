package cache_backend

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrUnknownPriority = errors.New("unknown priority")

// Priority is an informational weight carried by every entry.
// Eviction consults it only to break ties of the policy's metric.
type Priority uint8

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
)

func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityHigh
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "medium", "":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPriority, s)
	}
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPriority, uint8(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Entry wraps a cached value with its bookkeeping.
// Timestamp and TTL never change after the entry is created.
type Entry[V any] struct {
	Value        V
	Timestamp    time.Time
	TTL          time.Duration
	Priority     Priority
	AccessCount  uint64
	LastAccessed time.Time

	// Seq is the store-wide insertion sequence of this entry and AccessSeq
	// the sequence of its last insertion or read. Both only break ties.
	Seq       uint64
	AccessSeq uint64
}

func NewEntry[V any](v V, now time.Time, o SetOpts, seq uint64) *Entry[V] {
	return &Entry[V]{
		Value:        v,
		Timestamp:    now,
		TTL:          o.TTL,
		Priority:     o.Priority,
		LastAccessed: now,
		Seq:          seq,
		AccessSeq:    seq,
	}
}

// Expired reports whether the entry outlived its ttl at now.
func (e *Entry[V]) Expired(now time.Time) bool {
	return now.Sub(e.Timestamp) > e.TTL
}

// Touch records a successful read.
func (e *Entry[V]) Touch(now time.Time, seq uint64) {
	e.AccessCount++
	e.LastAccessed = now
	e.AccessSeq = seq
}
