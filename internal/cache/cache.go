// Package cache implements the working-memory layer (L1): a process-wide,
// session-scoped, TTL-bounded key/value store. Entries never reach the
// vector index or cloud sync; they die with the process or their TTL,
// whichever comes first.
package cache

import (
	"sync"
	"time"
)

// entry is one cached value with its expiry.
type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is a single shared store for all sessions. The key space is
// "<session_id>:<key>" so sessions cannot see each other's entries.
//
// Expired entries are dropped lazily on access and swept by a background
// goroutine. When the store is full, inserting a new key evicts the entry
// with the earliest expiry.
type Cache struct {
	defaultTTL time.Duration
	maxItems   int

	mu      sync.RWMutex
	entries map[string]entry

	stopOnce sync.Once
	done     chan struct{}
}

const (
	// DefaultTTL applies when Set is called with a zero TTL.
	DefaultTTL = 24 * time.Hour

	// DefaultMaxItems bounds the store. Working memory is scratch space,
	// not a database.
	DefaultMaxItems = 1000

	sweepInterval = time.Minute
)

// New creates a cache and starts its sweep goroutine. Call Close to stop it.
// Zero defaultTTL or maxItems select the package defaults.
func New(defaultTTL time.Duration, maxItems int) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	c := &Cache{
		defaultTTL: defaultTTL,
		maxItems:   maxItems,
		entries:    make(map[string]entry),
		done:       make(chan struct{}),
	}
	go c.sweep()
	return c
}

func sessionKey(sessionID, key string) string {
	return sessionID + ":" + key
}

// Set stores value under (sessionID, key). A zero ttl uses the default.
func (c *Cache) Set(sessionID, key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := time.Now()
	full := sessionKey(sessionID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[full]; !exists && len(c.entries) >= c.maxItems {
		c.evictEarliestLocked()
	}
	c.entries[full] = entry{value: value, expiresAt: now.Add(ttl)}
}

// Get returns the value for (sessionID, key). An expired entry is deleted
// and reported as a miss.
func (c *Cache) Get(sessionID, key string) (any, bool) {
	full := sessionKey(sessionID, key)
	now := time.Now()

	c.mu.RLock()
	e, ok := c.entries[full]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if !e.expiresAt.After(now) {
		c.mu.Lock()
		// Recheck under the write lock: another goroutine may have
		// replaced the entry with a fresh one.
		if cur, ok := c.entries[full]; ok && !cur.expiresAt.After(now) {
			delete(c.entries, full)
		}
		c.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Delete removes one entry. Missing keys are a no-op.
func (c *Cache) Delete(sessionID, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, sessionKey(sessionID, key))
}

// ClearSession removes every entry belonging to sessionID and returns the
// count removed.
func (c *Cache) ClearSession(sessionID string) int {
	prefix := sessionID + ":"

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// ListKeys returns the bare (session-stripped) keys of unexpired entries in
// sessionID.
func (c *Cache) ListKeys(sessionID string) []string {
	prefix := sessionID + ":"
	now := time.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	var keys []string
	for k, e := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix && e.expiresAt.After(now) {
			keys = append(keys, k[len(prefix):])
		}
	}
	return keys
}

// GetAll returns a copy of all unexpired entries in sessionID, keyed by the
// bare key.
func (c *Cache) GetAll(sessionID string) map[string]any {
	prefix := sessionID + ":"
	now := time.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]any)
	for k, e := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix && e.expiresAt.After(now) {
			out[k[len(prefix):]] = e.value
		}
	}
	return out
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Reset drops every entry in every session.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Close stops the sweep goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.done) })
}

// evictEarliestLocked removes the entry with the earliest expiry. Caller
// holds the write lock.
func (c *Cache) evictEarliestLocked() {
	var victim string
	var earliest time.Time
	for k, e := range c.entries {
		if victim == "" || e.expiresAt.Before(earliest) {
			victim = k
			earliest = e.expiresAt
		}
	}
	if victim != "" {
		delete(c.entries, victim)
	}
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache) evictExpired() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if !e.expiresAt.After(now) {
			delete(c.entries, k)
		}
	}
}
