// Package index provides the vector index behind every persistent memory
// layer. Two implementations exist: Qdrant over gRPC (server mode) and a
// file-backed store with brute-force cosine scoring (embedded mode). The
// mode is chosen once at startup; an unreachable server is fatal, never a
// silent downgrade to embedded.
package index

import (
	"context"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kioku/internal/model"
)

// Index is the adapter contract shared by both modes. Every read applies
// the mandatory visibility rules: inactive points are hidden unless
// IncludeInactive is set, and points whose expiry has passed never surface.
type Index interface {
	// EnsureCollection creates the collection for the given dimensionality
	// if it does not exist, and backfills payload indexes.
	EnsureCollection(ctx context.Context, dims int) error

	// Upsert writes items with their vectors. len(items) must equal
	// len(vectors).
	Upsert(ctx context.Context, items []model.MemoryItem, vectors []pgvector.Vector) error

	// Query returns the closest items to vector under the filter, scored
	// within [0, 1], best first.
	Query(ctx context.Context, vector pgvector.Vector, f Filter, limit int) ([]model.SearchResult, error)

	// Scroll lists items matching the filter without vector scoring.
	Scroll(ctx context.Context, f Filter, limit int) ([]model.MemoryItem, error)

	// RetrieveByID fetches one item regardless of active flag, or
	// model.ErrNotFound.
	RetrieveByID(ctx context.Context, id string) (*model.MemoryItem, error)

	// SetPayload merges patch into the point's payload.
	SetPayload(ctx context.Context, id string, patch map[string]any) error

	// Delete removes points (hard) or flips them inactive (soft).
	Delete(ctx context.Context, ids []string, hard bool) error

	// Count returns the number of points matching the filter.
	Count(ctx context.Context, f Filter) (uint64, error)

	// Healthy reports reachability of the backing store.
	Healthy(ctx context.Context) error

	Close() error
}

// Filter scopes a query, scroll, or count. The zero value means "all active,
// unexpired items".
type Filter struct {
	// Layer restricts to one layer. Takes precedence over Layers.
	Layer model.Layer
	// Layers restricts to a set of layers (used by export and stats).
	Layers []model.Layer
	// Category restricts to an exact category.
	Category string
	// AgentID scopes results to one agent. Applied only when Layer is
	// event_log: every other layer is shared across agents, and silently
	// narrowing them by agent would hide shared facts.
	AgentID string
	// IncludeInactive also returns soft-deleted points.
	IncludeInactive bool
	// Now is the reference time for expiry. Zero means time.Now().
	Now time.Time
	// WhenFrom/WhenTo bound the event `when` timestamp, inclusive.
	WhenFrom *time.Time
	WhenTo   *time.Time
}

// at returns the effective reference time for expiry checks.
func (f Filter) at() time.Time {
	if f.Now.IsZero() {
		return time.Now()
	}
	return f.Now
}

// agentApplies reports whether the agent condition participates in this
// filter. Exported behavior, tested directly: the event log is the only
// agent-scoped layer.
func (f Filter) agentApplies() bool {
	return f.AgentID != "" && f.Layer == model.LayerEventLog
}
