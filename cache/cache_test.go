package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUEvictionAndVersionInvalidation(t *testing.T) {
	c, err := New(2, 0)
	require.NoError(t, err)

	// Три вставки при maxEntries=2: первая вылетает.
	c.Set("r1", "k1", 1, "A", 1)
	c.Set("r1", "k2", 1, "B", 1)
	c.Set("r1", "k3", 1, "C", 1)

	_, ok := c.Get("r1", "k1", 1)
	assert.False(t, ok, "k1 must be evicted")
	_, ok = c.Get("r1", "k2", 1)
	assert.True(t, ok)
	_, ok = c.Get("r1", "k3", 1)
	assert.True(t, ok)

	c.InvalidateVersion(1)
	_, ok = c.Get("r1", "k2", 1)
	assert.False(t, ok)
	_, ok = c.Get("r1", "k3", 1)
	assert.False(t, ok)

	stats := c.GetStats()
	assert.Equal(t, 0, stats.EntryCount)
	assert.GreaterOrEqual(t, stats.Evictions, int64(1))
}

func TestCrossVersionIsMiss(t *testing.T) {
	c, err := New(10, 0)
	require.NoError(t, err)

	c.Set("r1", "slice", 1, "v1-value", 8)
	_, ok := c.Get("r1", "slice", 2)
	assert.False(t, ok, "другая версия никогда не возвращает чужое значение")

	v, ok := c.Get("r1", "slice", 1)
	require.True(t, ok)
	assert.Equal(t, "v1-value", v)
}

func TestHasDoesNotTouchRecency(t *testing.T) {
	c, err := New(2, 0)
	require.NoError(t, err)

	c.Set("r1", "k1", 1, "A", 1)
	c.Set("r1", "k2", 1, "B", 1)

	// Has не освежает k1 — при вставке k3 вылетает именно k1.
	assert.True(t, c.Has("r1", "k1", 1))
	c.Set("r1", "k3", 1, "C", 1)

	_, ok := c.Get("r1", "k1", 1)
	assert.False(t, ok)

	// А Get — освежает.
	c.Clear()
	c.Set("r1", "k1", 1, "A", 1)
	c.Set("r1", "k2", 1, "B", 1)
	_, ok = c.Get("r1", "k1", 1)
	require.True(t, ok)
	c.Set("r1", "k3", 1, "C", 1)
	_, ok = c.Get("r1", "k1", 1)
	assert.True(t, ok, "recently used entry survives")
	_, ok = c.Get("r1", "k2", 1)
	assert.False(t, ok)
}

func TestByteCapEviction(t *testing.T) {
	c, err := New(100, 100)
	require.NoError(t, err)

	c.Set("r1", "k1", 1, "A", 60)
	c.Set("r1", "k2", 1, "B", 60)

	// 120 байт > 100: старейшая запись выселена.
	_, ok := c.Get("r1", "k1", 1)
	assert.False(t, ok)
	_, ok = c.Get("r1", "k2", 1)
	assert.True(t, ok)

	stats := c.GetStats()
	assert.Equal(t, int64(60), stats.Bytes)
}

func TestStatsCounters(t *testing.T) {
	c, err := New(10, 0)
	require.NoError(t, err)

	c.Set("r1", "k", 1, "A", 4)
	c.Get("r1", "k", 1)
	c.Get("r1", "missing", 1)

	stats := c.GetStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)

	c.ResetStats()
	stats = c.GetStats()
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
	assert.Equal(t, 1, stats.EntryCount, "reset keeps entries")
}
