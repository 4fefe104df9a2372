package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSet(t *testing.T) {
	c := New(16, time.Minute)

	_, ok := c.Get(GroupAggregates, "sig")
	assert.False(t, ok)

	c.Set(GroupAggregates, "sig", 42, time.Minute)
	v, ok := c.Get(GroupAggregates, "sig")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	hits, misses := c.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestGroupInvalidation(t *testing.T) {
	c := New(16, time.Minute)

	c.Set(GroupAggregates, "sig", "cached", time.Minute)
	c.Set("other-group", "sig", "untouched", time.Minute)

	c.InvalidateGroup(GroupAggregates)

	_, ok := c.Get(GroupAggregates, "sig")
	assert.False(t, ok, "invalidated group must miss")

	v, ok := c.Get("other-group", "sig")
	require.True(t, ok, "other groups are unaffected")
	assert.Equal(t, "untouched", v)

	// A write after invalidation lands under the new version.
	c.Set(GroupAggregates, "sig", "fresh", time.Minute)
	v, ok = c.Get(GroupAggregates, "sig")
	require.True(t, ok)
	assert.Equal(t, "fresh", v)
}

func TestEntryTTL(t *testing.T) {
	c := New(16, time.Minute)

	c.Set(GroupAggregates, "short", "v", 10*time.Millisecond)
	_, ok := c.Get(GroupAggregates, "short")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get(GroupAggregates, "short")
	assert.False(t, ok, "entry must expire after its own TTL")
}

func TestTTLClamp(t *testing.T) {
	c := New(16, 20*time.Millisecond)

	// Requested TTL above the default is clamped down to it.
	c.Set(GroupAggregates, "long", "v", time.Hour)
	time.Sleep(40 * time.Millisecond)
	_, ok := c.Get(GroupAggregates, "long")
	assert.False(t, ok)
}

func TestSignature(t *testing.T) {
	a := Signature("stats", "month")
	b := Signature("stats", "month")
	assert.Equal(t, a, b, "deterministic")

	assert.NotEqual(t, Signature("stats", "week"), a)
	assert.NotEqual(t, Signature("stats", "mo", "nth"), a, "parameter boundaries matter")
}
