package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheSetGet(t *testing.T) {
	c := New()
	defer c.Close()

	c.Set("k", 42, time.Minute)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCacheExpiry(t *testing.T) {
	c := New()
	defer c.Close()

	c.Set("short", "v", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get("short")
	assert.False(t, ok)
}

func TestCacheZeroTTLNeverExpires(t *testing.T) {
	c := New()
	defer c.Close()

	c.Set("forever", "v", 0)
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("forever")
	assert.True(t, ok)
}

func TestCacheDeleteAndClear(t *testing.T) {
	c := New()
	defer c.Close()

	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)

	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Clear()
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestCacheStats(t *testing.T) {
	c := New()
	defer c.Close()

	c.Set("k", "v", time.Minute)
	c.Get("k")
	c.Get("k")
	c.Get("nope")

	stats := c.GetStats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}
