package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheGetPutInvalidate(t *testing.T) {
	c := New[string, int](4, 0)

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Put("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	c.Invalidate("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestCacheLRUEviction(t *testing.T) {
	c := New[string, int](2, 0)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3) // evicts "a", the least recently used entry

	_, ok := c.Get("a")
	assert.False(t, ok, "capacity-bounded cache should have evicted the oldest entry")
	_, ok = c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestCacheTTLExpiry(t *testing.T) {
	c := New[string, int](4, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	c.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, ok = c.Get("a")
	assert.False(t, ok, "entry should have expired once ttl elapsed")
}

func TestCacheZeroTTLNeverExpires(t *testing.T) {
	c := New[string, int](4, 0)
	now := time.Now()
	c.now = func() time.Time { return now }
	c.Put("a", 1)

	c.now = func() time.Time { return now.Add(24 * time.Hour) }
	_, ok := c.Get("a")
	assert.True(t, ok, "ttl of zero should disable expiry")
}

func TestCacheGetOrLoad(t *testing.T) {
	c := New[string, int](4, 0)
	calls := 0
	load := func() (int, error) {
		calls++
		return 42, nil
	}

	v, err := c.GetOrLoad("a", load)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)

	v, err = c.GetOrLoad("a", load)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls, "second call should be served from cache, not reload")
}

func TestCacheGetOrLoadError(t *testing.T) {
	c := New[string, int](4, 0)
	wantErr := errors.New("boom")

	_, err := c.GetOrLoad("a", func() (int, error) { return 0, wantErr })
	assert.ErrorIs(t, err, wantErr)

	_, ok := c.Get("a")
	assert.False(t, ok, "a failed load must not populate the cache")
}
