// Package budget tracks the context-window token spend of retrieved
// memories, per layer and in total. Retrieval asks the manager before
// admitting items so a verbose layer cannot starve the rest of the prompt.
package budget

import (
	"sort"
	"sync"

	"github.com/ashita-ai/kioku/internal/model"
)

// Default per-layer token limits. Identity is small but always loaded;
// verified facts get the biggest share.
const (
	DefaultIdentityLimit    = 500
	DefaultContextLimit     = 200
	DefaultEventLimit       = 500
	DefaultFactLimit        = 2000
	DefaultOperationalLimit = 300
	DefaultTotalLimit       = 4000

	// itemOverhead is the fixed metadata cost charged per item on top of
	// its content tokens.
	itemOverhead = 20
)

// Manager tracks per-layer allocations against limits. Safe for concurrent
// use; it never performs I/O.
type Manager struct {
	mu        sync.Mutex
	limits    map[model.Layer]int
	allocated map[model.Layer]int
	items     map[model.Layer]int
	total     int
}

// LayerReport is the usage snapshot for one layer.
type LayerReport struct {
	Limit     int  `json:"limit"`
	Allocated int  `json:"allocated"`
	Remaining int  `json:"remaining"`
	Items     int  `json:"items"`
	Unlimited bool `json:"unlimited,omitempty"`
}

// Report is the full usage snapshot.
type Report struct {
	Layers     map[model.Layer]LayerReport `json:"layers"`
	Total      int                         `json:"total"`
	TotalLimit int                         `json:"total_limit"`
}

// New creates a manager with the given limits. Nil limits or a non-positive
// total select the defaults. A layer missing from limits is unconstrained by
// any layer cap but still counts against the total.
func New(limits map[model.Layer]int, totalLimit int) *Manager {
	if limits == nil {
		limits = map[model.Layer]int{
			model.LayerIdentity:    DefaultIdentityLimit,
			model.LayerContext:     DefaultContextLimit,
			model.LayerEventLog:    DefaultEventLimit,
			model.LayerFact:        DefaultFactLimit,
			model.LayerOperational: DefaultOperationalLimit,
		}
	}
	if totalLimit <= 0 {
		totalLimit = DefaultTotalLimit
	}
	m := &Manager{
		limits:    make(map[model.Layer]int, len(limits)),
		allocated: make(map[model.Layer]int),
		items:     make(map[model.Layer]int),
	}
	for l, v := range limits {
		m.limits[l] = v
	}
	m.limits["__total__"] = totalLimit
	return m
}

// EstimateTokens approximates the token count of s as one token per four
// bytes, never below one.
func EstimateTokens(s string) int {
	n := len(s) / 4
	if n < 1 {
		return 1
	}
	return n
}

// ItemTokens estimates the budget cost of one retrieved memory: its content
// plus the fixed metadata overhead.
func ItemTokens(content string) int {
	return EstimateTokens(content) + itemOverhead
}

// CanAllocate reports whether n tokens fit in both the layer's cap and the
// total cap.
func (m *Manager) CanAllocate(layer model.Layer, n int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canAllocateLocked(layer, n)
}

func (m *Manager) canAllocateLocked(layer model.Layer, n int) bool {
	if limit, ok := m.limits[layer]; ok && m.allocated[layer]+n > limit {
		return false
	}
	return m.total+n <= m.limits["__total__"]
}

// Allocate charges n tokens to layer, covering items retrieved memories.
// Returns false (and charges nothing) when the allocation does not fit.
func (m *Manager) Allocate(layer model.Layer, n, items int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.canAllocateLocked(layer, n) {
		return false
	}
	m.allocated[layer] += n
	m.items[layer] += items
	m.total += n
	return true
}

// TruncateToFit sorts results by descending score and admits them greedily
// until the layer budget runs out. The first preserveFirst items of the
// sorted order are always kept regardless of budget. Admitted tokens are
// charged to layer; the second return is how many items were cut.
func (m *Manager) TruncateToFit(layer model.Layer, results []model.SearchResult, preserveFirst int) ([]model.SearchResult, int) {
	if len(results) == 0 {
		return nil, 0
	}

	sorted := make([]model.SearchResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	if preserveFirst > len(sorted) {
		preserveFirst = len(sorted)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := make([]model.SearchResult, 0, len(sorted))
	for i, r := range sorted {
		cost := ItemTokens(r.Item.Content)
		if i < preserveFirst || m.canAllocateLocked(layer, cost) {
			m.allocated[layer] += cost
			m.items[layer]++
			m.total += cost
			kept = append(kept, r)
		}
	}
	return kept, len(sorted) - len(kept)
}

// Report returns the current usage snapshot.
func (m *Manager) Report() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	rep := Report{
		Layers:     make(map[model.Layer]LayerReport),
		Total:      m.total,
		TotalLimit: m.limits["__total__"],
	}
	for _, l := range model.AllLayers() {
		limit, ok := m.limits[l]
		lr := LayerReport{
			Limit:     limit,
			Allocated: m.allocated[l],
			Items:     m.items[l],
			Unlimited: !ok,
		}
		if ok {
			lr.Remaining = limit - m.allocated[l]
		}
		rep.Layers[l] = lr
	}
	return rep
}

// Reset clears all allocations. Limits are kept.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocated = make(map[model.Layer]int)
	m.items = make(map[model.Layer]int)
	m.total = 0
}
