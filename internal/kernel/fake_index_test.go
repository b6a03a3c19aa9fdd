package kernel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kioku/internal/conflict"
	"github.com/ashita-ai/kioku/internal/index"
	"github.com/ashita-ai/kioku/internal/model"
)

// fakeIndex is an in-memory stand-in for the vector index with the same
// visibility rules as the real adapters.
type fakeIndex struct {
	mu      sync.Mutex
	points  map[string]fakePoint
	failUps bool // next Upsert fails
}

type fakePoint struct {
	item model.MemoryItem
	vec  []float32
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{points: make(map[string]fakePoint)}
}

func (f *fakeIndex) EnsureCollection(context.Context, int) error { return nil }

func (f *fakeIndex) Upsert(_ context.Context, items []model.MemoryItem, vectors []pgvector.Vector) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUps {
		f.failUps = false
		return fmt.Errorf("fake index: upsert refused")
	}
	for i, item := range items {
		f.points[item.ID] = fakePoint{item: item, vec: vectors[i].Slice()}
	}
	return nil
}

func (f *fakeIndex) visible(p fakePoint, flt index.Filter, now time.Time) bool {
	item := p.item
	if !flt.IncludeInactive && !item.IsActive {
		return false
	}
	if item.Expired(now) {
		return false
	}
	if flt.Layer != "" && item.Layer != flt.Layer {
		return false
	}
	if len(flt.Layers) > 0 {
		found := false
		for _, l := range flt.Layers {
			if item.Layer == l {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	if flt.Category != "" && item.Category != flt.Category {
		return false
	}
	if flt.AgentID != "" && flt.Layer == model.LayerEventLog && item.AgentID != flt.AgentID {
		return false
	}
	if flt.WhenFrom != nil && (item.When == nil || item.When.Before(*flt.WhenFrom)) {
		return false
	}
	if flt.WhenTo != nil && (item.When == nil || item.When.After(*flt.WhenTo)) {
		return false
	}
	return true
}

func (f *fakeIndex) Query(_ context.Context, vector pgvector.Vector, flt index.Filter, limit int) ([]model.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var out []model.SearchResult
	for _, p := range f.points {
		if !f.visible(p, flt, now) {
			continue
		}
		score := model.Clamp01((conflict.Cosine(vector.Slice(), p.vec) + 1) / 2)
		out = append(out, model.SearchResult{Item: p.item, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeIndex) Scroll(_ context.Context, flt index.Filter, limit int) ([]model.MemoryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var out []model.MemoryItem
	for _, p := range f.points {
		if f.visible(p, flt, now) {
			out = append(out, p.item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeIndex) RetrieveByID(_ context.Context, id string) (*model.MemoryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.points[id]
	if !ok {
		return nil, fmt.Errorf("fake index: %s: %w", id, model.ErrNotFound)
	}
	item := p.item
	return &item, nil
}

func (f *fakeIndex) SetPayload(_ context.Context, id string, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.points[id]
	if !ok {
		return fmt.Errorf("fake index: %s: %w", id, model.ErrNotFound)
	}
	payload := p.item.Payload()
	for k, v := range patch {
		payload[k] = v
	}
	p.item = model.ItemFromPayload(id, payload)
	f.points[id] = p
	return nil
}

func (f *fakeIndex) Delete(_ context.Context, ids []string, hard bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		p, ok := f.points[id]
		if !ok {
			continue
		}
		if hard {
			delete(f.points, id)
			continue
		}
		p.item.IsActive = false
		f.points[id] = p
	}
	return nil
}

func (f *fakeIndex) Count(_ context.Context, flt index.Filter) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var n uint64
	for _, p := range f.points {
		if f.visible(p, flt, now) {
			n++
		}
	}
	return n, nil
}

func (f *fakeIndex) Healthy(context.Context) error { return nil }
func (f *fakeIndex) Close() error                  { return nil }
