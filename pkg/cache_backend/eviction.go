package cache_backend

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownPolicy = errors.New("unknown eviction policy")

// Policy selects which entry is removed when a store is full.
type Policy string

const (
	// PolicyLRU evicts the entry with the oldest LastAccessed.
	PolicyLRU Policy = "lru"
	// PolicyLFU evicts the entry with the smallest AccessCount.
	PolicyLFU Policy = "lfu"
	// PolicyTTL evicts the oldest inserted entry, whatever its remaining ttl.
	PolicyTTL Policy = "ttl"
)

func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
	return p, nil
}

func (p Policy) Valid() bool {
	switch p {
	case PolicyLRU, PolicyLFU, PolicyTTL:
		return true
	}
	return false
}

func (p *Policy) UnmarshalText(b []byte) error {
	v, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Less reports whether a should be evicted before b under policy p.
// Entries are ordered by the policy metric, then by priority (low first).
// lru then falls back to the access sequence, lfu and ttl to insertion
// time and then insertion sequence. The order is total, so the
// victim never depends on map iteration order.
func Less[V any](p Policy, a, b *Entry[V]) bool {
	switch p {
	case PolicyLFU:
		if a.AccessCount != b.AccessCount {
			return a.AccessCount < b.AccessCount
		}
	case PolicyTTL:
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
	default:
		if !a.LastAccessed.Equal(b.LastAccessed) {
			return a.LastAccessed.Before(b.LastAccessed)
		}
	}

	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if p != PolicyLFU && p != PolicyTTL {
		// AccessSeq is unique and follows read order even when
		// LastAccessed readings are equal.
		return a.AccessSeq < b.AccessSeq
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.Seq < b.Seq
}

// SelectVictim returns the key of the entry ranked first for eviction.
// It is a single linear scan. ok is false if entries is empty.
func SelectVictim[V any](p Policy, entries map[string]*Entry[V]) (key string, ok bool) {
	var victim *Entry[V]
	for k, e := range entries {
		if victim == nil || Less(p, e, victim) {
			key, victim = k, e
		}
	}
	return key, victim != nil
}
