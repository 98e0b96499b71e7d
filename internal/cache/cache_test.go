package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetSet(t *testing.T) {
	c := New[string, int](Options{TTL: time.Minute})

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("a", 1)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	c.Set("a", 2)
	v, _ = c.Get("a")
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())
}

func TestExpiry(t *testing.T) {
	c := New[string, string](Options{TTL: 10 * time.Millisecond})
	c.Set("token", "abc")

	v, ok := c.Get("token")
	assert.True(t, ok)
	assert.Equal(t, "abc", v)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("token")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry removed lazily on Get")
}

func TestDelete(t *testing.T) {
	c := New[string, int](Options{})
	c.Set("a", 1)
	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)

	// Deleting a missing key is a no-op.
	c.Delete("b")
}

func TestEvictionAtCapacity(t *testing.T) {
	c := New[int, int](Options{TTL: time.Minute, MaxEntries: 3})
	for i := 0; i < 3; i++ {
		c.Set(i, i)
		time.Sleep(time.Millisecond)
	}

	c.Set(99, 99)
	assert.Equal(t, 3, c.Len())

	// Entry 0 expires soonest, so it was the eviction victim.
	_, ok := c.Get(0)
	assert.False(t, ok)
	v, ok := c.Get(99)
	assert.True(t, ok)
	assert.Equal(t, 99, v)
}

func TestUpdateDoesNotEvict(t *testing.T) {
	c := New[int, int](Options{TTL: time.Minute, MaxEntries: 2})
	c.Set(1, 1)
	c.Set(2, 2)
	c.Set(1, 10)

	assert.Equal(t, 2, c.Len())
	v, _ := c.Get(1)
	assert.Equal(t, 10, v)
	_, ok := c.Get(2)
	assert.True(t, ok)
}
