package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSet(t *testing.T) {
	c, err := New(10, 0)
	require.NoError(t, err)

	_, ok := c.Get("k")
	assert.False(t, ok)

	c.Set("k", "v")
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestInvalidate(t *testing.T) {
	c, err := New(10, 0)
	require.NoError(t, err)

	c.Set("k", "v")
	c.Invalidate("k")
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestClear(t *testing.T) {
	c, err := New(10, 0)
	require.NoError(t, err)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestLRUEviction(t *testing.T) {
	c, err := New(2, 0)
	require.NoError(t, err)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a") // touch a so it's most-recently used
	c.Set("c", 3) // evicts b, the least recently used

	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestTTLSweep(t *testing.T) {
	c, err := New(10, 20*time.Millisecond)
	require.NoError(t, err)
	defer c.Close()

	c.Set("k", "v")
	time.Sleep(200 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)
}
