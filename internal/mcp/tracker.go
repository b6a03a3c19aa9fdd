package mcp

import (
	"sync"
	"time"
)

// trackerWindow is how long a search counts as "recent" for the
// duplicate-write advisory in add_memory.
const trackerWindow = 10 * time.Minute

// searchTracker records recent search_memory calls per session so
// handleAddMemory can nudge callers who write without searching first.
// Writing blind is the main source of duplicate memories; the nudge is
// advisory, never a gate.
//
// In-memory and per-process; losing it on restart only loses the nudge.
type searchTracker struct {
	mu       sync.Mutex
	searches map[string]time.Time // session id -> last search
	window   time.Duration
}

func newSearchTracker(window time.Duration) *searchTracker {
	return &searchTracker{
		searches: make(map[string]time.Time),
		window:   window,
	}
}

// Record notes that a session just searched.
func (t *searchTracker) Record(session string) {
	if session == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.searches[session] = time.Now()
	// Opportunistic sweep; the map stays small in practice.
	for k, at := range t.searches {
		if time.Since(at) > t.window {
			delete(t.searches, k)
		}
	}
}

// Searched reports whether the session searched within the window.
func (t *searchTracker) Searched(session string) bool {
	if session == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.searches[session]
	return ok && time.Since(at) <= t.window
}
