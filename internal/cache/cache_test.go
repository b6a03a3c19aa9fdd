package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSetGet(t *testing.T) {
	c := New(time.Minute, 0)
	defer c.Close()

	c.Set("s1", "topic", "vector databases", 0)

	v, ok := c.Get("s1", "topic")
	require.True(t, ok)
	assert.Equal(t, "vector databases", v)

	_, ok = c.Get("s2", "topic")
	assert.False(t, ok, "sessions must be isolated")
}

func TestExpiredEntryMissesAndIsEvicted(t *testing.T) {
	c := New(time.Minute, 0)
	defer c.Close()

	c.Set("s1", "ephemeral", 42, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get("s1", "ephemeral")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry should be lazily removed on access")
}

func TestClearSession(t *testing.T) {
	c := New(time.Minute, 0)
	defer c.Close()

	c.Set("s1", "a", 1, 0)
	c.Set("s1", "b", 2, 0)
	c.Set("s2", "a", 3, 0)

	assert.Equal(t, 2, c.ClearSession("s1"))
	assert.Equal(t, 1, c.Len())

	_, ok := c.Get("s2", "a")
	assert.True(t, ok, "other sessions must be untouched")
}

func TestListKeysAndGetAll(t *testing.T) {
	c := New(time.Minute, 0)
	defer c.Close()

	c.Set("s1", "a", 1, 0)
	c.Set("s1", "b", 2, 0)
	c.Set("s1", "dead", 3, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	keys := c.ListKeys("s1")
	assert.ElementsMatch(t, []string{"a", "b"}, keys)

	all := c.GetAll("s1")
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, all)
}

func TestCapacityEvictsEarliestExpiry(t *testing.T) {
	c := New(time.Hour, 3)
	defer c.Close()

	c.Set("s1", "short", "x", time.Minute)
	c.Set("s1", "medium", "y", 30*time.Minute)
	c.Set("s1", "long", "z", time.Hour)

	// Fourth insert must push out the entry closest to expiry.
	c.Set("s1", "new", "w", time.Hour)

	_, ok := c.Get("s1", "short")
	assert.False(t, ok, "entry with earliest expiry should be evicted")
	for _, k := range []string{"medium", "long", "new"} {
		_, ok := c.Get("s1", k)
		assert.True(t, ok, "key %s should survive", k)
	}
}

func TestOverwriteDoesNotEvict(t *testing.T) {
	c := New(time.Hour, 2)
	defer c.Close()

	c.Set("s1", "a", 1, 0)
	c.Set("s1", "b", 2, 0)
	c.Set("s1", "a", 3, 0) // overwrite, store already full

	assert.Equal(t, 2, c.Len())
	v, ok := c.Get("s1", "b")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestReset(t *testing.T) {
	c := New(time.Minute, 0)
	defer c.Close()

	c.Set("s1", "a", 1, 0)
	c.Set("s2", "b", 2, 0)
	c.Reset()
	assert.Equal(t, 0, c.Len())
}

func TestConcurrentAccess(t *testing.T) {
	c := New(time.Minute, 0)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			session := fmt.Sprintf("s%d", n%4)
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d", j)
				c.Set(session, key, j, 0)
				c.Get(session, key)
				if j%10 == 0 {
					c.ListKeys(session)
				}
			}
		}(i)
	}
	wg.Wait()

	for s := 0; s < 4; s++ {
		assert.Len(t, c.ListKeys(fmt.Sprintf("s%d", s)), 100)
	}
}

func TestCloseIdempotent(t *testing.T) {
	c := New(time.Minute, 0)
	c.Close()
	c.Close()
}
