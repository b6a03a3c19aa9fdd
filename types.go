package kioku

import (
	"context"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kioku/internal/embedding"
	"github.com/ashita-ai/kioku/internal/model"
)

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbeddingProvider, replaces the auto-detected
// Ollama/OpenAI/hash provider. Uses []float32 (not pgvector.Vector) so
// external consumers don't inherit the pgvector dependency; New() wraps it
// in an adapter for internal use.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}

// providerAdapter bridges a public EmbeddingProvider to the internal
// pgvector-based interface.
type providerAdapter struct {
	p EmbeddingProvider
}

var _ embedding.Provider = (*providerAdapter)(nil)

func (a *providerAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vec, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(vec), nil
}

func (a *providerAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vecs))
	for i, v := range vecs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a *providerAdapter) Dimensions() int { return a.p.Dimensions() }
func (a *providerAdapter) Name() string    { return a.p.Name() }

// Memory is the public view of one stored memory.
// It is a curated view of internal/model.MemoryItem for use by embedding
// consumers. No internal package imports — safe to use outside the module.
type Memory struct {
	ID         string
	Layer      string
	Content    string
	Category   string
	Confidence float64
	Score      float64
	CreatedBy  string
	AgentID    string
	CreatedAt  time.Time
}

// AddRequest describes one memory write.
type AddRequest struct {
	Content          string
	Layer            string
	Category         string
	Confidence       *float64 // default 0.8
	Source           string   // default user_input
	CreatedBy        string
	AgentID          string
	SessionID        string
	TTLDays          int
	RequiresApproval bool
}

// AddOutcome reports where a write landed. Blocked and low-confidence
// outcomes are outcomes, not errors.
type AddOutcome struct {
	Status    string // saved, pending, rejected_low_confidence, blocked
	ID        string // set only when saved
	PendingID string // set only when queued for review
	Reasons   []string
	Conflicts int // advisory conflicts found against existing memories
}

// SearchRequest describes one semantic search.
type SearchRequest struct {
	Query               string
	Layer               string
	Category            string
	AgentID             string
	IncludeConstitution bool
	Limit               int
	MinScore            *float64
}

// EventRequest describes one event-log entry.
type EventRequest struct {
	Content   string
	When      *time.Time // default now
	Where     string
	Who       []string
	AgentID   string
	SessionID string
	TTLDays   int
}

// Rule is one constitution item.
type Rule struct {
	ID       string
	Content  string
	Category string
	Source   string // "file" or "index"
}

// Stats is a point-in-time snapshot of store sizes.
type Stats struct {
	ProjectID    string
	ByLayer      map[string]uint64
	PendingCount int
	CacheEntries int
	GeneratedAt  time.Time
}

// SyncStrategy selects the per-item conflict policy on pull.
type SyncStrategy string

const (
	// SyncLWW overwrites local items older than incoming ones.
	SyncLWW SyncStrategy = "lww"
	// SyncSkip never overwrites an existing local id.
	SyncSkip SyncStrategy = "skip"
)

// SyncReport summarizes one push or pull run.
type SyncReport struct {
	Pushed    int
	Pulled    int
	Conflicts int
	Skipped   int
	Errors    []string
}

// ── conversion helpers ────────────────────────────────────────────────────────

func toPublicMemory(r model.SearchResult) Memory {
	return Memory{
		ID:         r.Item.ID,
		Layer:      string(r.Item.Layer),
		Content:    r.Item.Content,
		Category:   r.Item.Category,
		Confidence: r.Item.Confidence,
		Score:      r.Score,
		CreatedBy:  r.Item.CreatedBy,
		AgentID:    r.Item.AgentID,
		CreatedAt:  r.Item.CreatedAt,
	}
}

func toPublicOutcome(res *model.AddResult) *AddOutcome {
	out := &AddOutcome{
		Status:    string(res.Status),
		PendingID: res.PendingID,
		Reasons:   res.Reasons,
		Conflicts: len(res.Conflicts),
	}
	if res.ID != nil {
		out.ID = *res.ID
	}
	return out
}

func toPublicSyncReport(rep *model.SyncReport) *SyncReport {
	return &SyncReport{
		Pushed:    rep.Pushed,
		Pulled:    rep.Pulled,
		Conflicts: rep.Conflicts,
		Skipped:   rep.Skipped,
		Errors:    rep.Errors,
	}
}
