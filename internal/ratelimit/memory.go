package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Sweep cadence and the idle horizon after which a client's bucket is
// dropped. Ten minutes of silence from a memory API client frees its slot.
const (
	sweepInterval = time.Minute
	staleAfter    = 10 * time.Minute
)

// clientBucket is the remaining allowance for one API client.
type clientBucket struct {
	tokens   float64
	lastSeen time.Time
}

// MemoryLimiter throttles HTTP clients of the memory API with one token
// bucket per key. Keys come from ClientKeyFunc ("cred:<bearer>" or
// "ip:<addr>"), so a shared workstation IP and an authenticated agent get
// independent allowances. A background sweeper evicts buckets for clients
// that have gone quiet; Close stops it.
type MemoryLimiter struct {
	rate  float64 // tokens refilled per second
	burst float64 // bucket capacity

	mu      sync.Mutex
	clients map[string]*clientBucket

	closeOnce sync.Once
	done      chan struct{}
}

// NewMemoryLimiter creates a limiter allowing a sustained rate of requests
// per second per client, with bursts up to burst.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		clients: make(map[string]*clientBucket),
		done:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Allow consumes one token from key's bucket. False means the client is
// over its rate and the request should get a 429.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.clients[key]
	if !ok {
		// A new client starts with a full bucket and spends one token.
		m.clients[key] = &clientBucket{tokens: m.burst - 1, lastSeen: now}
		return true, nil
	}

	b.tokens += now.Sub(b.lastSeen).Seconds() * m.rate
	if b.tokens > m.burst {
		b.tokens = m.burst
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the sweeper. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.dropIdle()
		}
	}
}

// dropIdle evicts buckets whose client has not been seen within staleAfter.
func (m *MemoryLimiter) dropIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-staleAfter)
	for key, b := range m.clients {
		if b.lastSeen.Before(cutoff) {
			delete(m.clients, key)
		}
	}
}
