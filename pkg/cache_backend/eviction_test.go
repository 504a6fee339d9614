package cache_backend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 8, 9, 9, 0, 0, 0, time.UTC)

func entry(ts time.Duration, lastAccessed time.Duration, count uint64, seq uint64) *Entry[int] {
	return &Entry[int]{
		Timestamp:    t0.Add(ts),
		TTL:          time.Hour,
		Priority:     PriorityMedium,
		AccessCount:  count,
		LastAccessed: t0.Add(lastAccessed),
		Seq:          seq,
		AccessSeq:    seq,
	}
}

func TestParsePolicy(t *testing.T) {
	for _, s := range []string{"lru", "LFU", " ttl "} {
		p, err := ParsePolicy(s)
		require.NoError(t, err)
		assert.True(t, p.Valid())
	}

	_, err := ParsePolicy("fifo")
	assert.ErrorIs(t, err, ErrUnknownPolicy)

	var p Policy
	require.NoError(t, p.UnmarshalText([]byte("lfu")))
	assert.Equal(t, PolicyLFU, p)
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("HIGH")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	p, err = ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityMedium, p)

	_, err = ParsePriority("urgent")
	assert.ErrorIs(t, err, ErrUnknownPriority)

	b, err := PriorityLow.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "low", string(b))
}

func TestSelectVictim_Empty(t *testing.T) {
	_, ok := SelectVictim(PolicyLRU, map[string]*Entry[int]{})
	assert.False(t, ok)
}

func TestSelectVictim_LRU(t *testing.T) {
	m := map[string]*Entry[int]{
		"a": entry(0, time.Millisecond, 3, 1),
		"b": entry(0, 2*time.Millisecond, 0, 2),
		"c": entry(0, 3*time.Millisecond, 0, 3),
	}
	k, ok := SelectVictim(PolicyLRU, m)
	require.True(t, ok)
	assert.Equal(t, "a", k)
}

func TestSelectVictim_LFU(t *testing.T) {
	m := map[string]*Entry[int]{
		"a": entry(0, 0, 0, 1),
		"b": entry(0, 0, 5, 2),
		"c": entry(0, 0, 2, 3),
	}
	k, ok := SelectVictim(PolicyLFU, m)
	require.True(t, ok)
	assert.Equal(t, "a", k)
}

func TestSelectVictim_TTL(t *testing.T) {
	m := map[string]*Entry[int]{
		"young": entry(time.Second, 0, 0, 3),
		"old":   entry(0, 10*time.Second, 9, 1),
		"mid":   entry(500*time.Millisecond, 0, 0, 2),
	}
	// remaining ttl does not matter, only insertion time
	m["young"].TTL = time.Millisecond
	k, ok := SelectVictim(PolicyTTL, m)
	require.True(t, ok)
	assert.Equal(t, "old", k)
}

func TestSelectVictim_TieBreak(t *testing.T) {
	t.Run("priority", func(t *testing.T) {
		m := map[string]*Entry[int]{
			"high": entry(0, 0, 0, 1),
			"low":  entry(0, 0, 0, 2),
		}
		m["high"].Priority = PriorityHigh
		m["low"].Priority = PriorityLow
		for _, p := range []Policy{PolicyLRU, PolicyLFU, PolicyTTL} {
			k, _ := SelectVictim(p, m)
			assert.Equal(t, "low", k, p)
		}
	})

	t.Run("priority never overrides the metric", func(t *testing.T) {
		m := map[string]*Entry[int]{
			"high": entry(0, 0, 0, 1),
			"low":  entry(0, 0, 7, 2),
		}
		m["high"].Priority = PriorityHigh
		m["low"].Priority = PriorityLow
		k, _ := SelectVictim(PolicyLFU, m)
		assert.Equal(t, "high", k)
	})

	t.Run("insertion time", func(t *testing.T) {
		m := map[string]*Entry[int]{
			"new": entry(time.Second, 0, 1, 1),
			"old": entry(0, 0, 1, 2),
		}
		k, _ := SelectVictim(PolicyLFU, m)
		assert.Equal(t, "old", k)
	})

	t.Run("sequence", func(t *testing.T) {
		// Same clock reading for everything, as with a coarse clock.
		m := map[string]*Entry[int]{
			"a": entry(0, 0, 0, 1),
			"b": entry(0, 0, 0, 2),
		}
		// a was read after b was inserted.
		m["a"].AccessSeq = 3
		k, _ := SelectVictim(PolicyLRU, m)
		assert.Equal(t, "b", k)
		k, _ = SelectVictim(PolicyTTL, m)
		assert.Equal(t, "a", k)
	})

	t.Run("lru recency beats insertion time", func(t *testing.T) {
		// a is older but was read after b was inserted, within one clock tick.
		m := map[string]*Entry[int]{
			"a": entry(0, time.Millisecond, 1, 1),
			"b": entry(time.Millisecond, time.Millisecond, 0, 2),
		}
		m["a"].AccessSeq = 3
		k, _ := SelectVictim(PolicyLRU, m)
		assert.Equal(t, "b", k)
	})

	t.Run("stable across runs", func(t *testing.T) {
		m := make(map[string]*Entry[int])
		for i := 0; i < 64; i++ {
			m[string(rune('A'+i))] = entry(0, 0, 0, uint64(i+1))
		}
		for i := 0; i < 20; i++ {
			k, _ := SelectVictim(PolicyLFU, m)
			assert.Equal(t, "A", k)
		}
	})
}

func TestApplySetOptions(t *testing.T) {
	o := ApplySetOptions(time.Minute)
	assert.Equal(t, time.Minute, o.TTL)
	assert.Equal(t, PriorityMedium, o.Priority)

	o = ApplySetOptions(time.Minute, WithTTL(10*time.Millisecond), WithPriority(PriorityHigh))
	assert.Equal(t, 10*time.Millisecond, o.TTL)
	assert.Equal(t, PriorityHigh, o.Priority)

	o = ApplySetOptions(time.Minute, WithTTL(-1), nil)
	assert.Equal(t, time.Minute, o.TTL)
}

func TestEntry_Expired(t *testing.T) {
	e := NewEntry(1, t0, SetOpts{TTL: 10 * time.Millisecond, Priority: PriorityMedium}, 1)
	assert.False(t, e.Expired(t0.Add(10*time.Millisecond)))
	assert.True(t, e.Expired(t0.Add(11*time.Millisecond)))

	e.Touch(t0.Add(time.Millisecond), 2)
	assert.EqualValues(t, 1, e.AccessCount)
	assert.Equal(t, t0.Add(time.Millisecond), e.LastAccessed)
	assert.EqualValues(t, 2, e.AccessSeq)
}
