// Package kernel orchestrates the memory system: it owns the embedding
// provider, the vector index, the durable stores, the working-memory
// cache, and the safety and conflict rules, and exposes the operations
// every transport surface (HTTP, MCP, facade) delegates to.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kioku/internal/cache"
	"github.com/ashita-ai/kioku/internal/config"
	"github.com/ashita-ai/kioku/internal/conflict"
	"github.com/ashita-ai/kioku/internal/embedding"
	"github.com/ashita-ai/kioku/internal/index"
	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/safety"
	"github.com/ashita-ai/kioku/internal/store"
)

// conflictScanLimit bounds the candidate set checked on every direct save.
const conflictScanLimit = 5

// Kernel is plain and testable: construct it with whatever implementations
// the caller wants. The facade wires the production set.
type Kernel struct {
	cfg      config.Config
	provider embedding.Provider
	index    index.Index
	db       *store.DB
	cache    *cache.Cache
	safety   *safety.Filter
	conflict *conflict.Detector
	logger   *slog.Logger
}

// New assembles a kernel from its parts.
func New(cfg config.Config, provider embedding.Provider, idx index.Index, db *store.DB, c *cache.Cache, sf *safety.Filter, det *conflict.Detector, logger *slog.Logger) *Kernel {
	if logger == nil {
		logger = slog.Default()
	}
	if det == nil {
		det = conflict.New(0, 0, 0)
	}
	return &Kernel{
		cfg:      cfg,
		provider: provider,
		index:    idx,
		db:       db,
		cache:    c,
		safety:   sf,
		conflict: det,
		logger:   logger,
	}
}

// Index exposes the underlying index for sync and export paths.
func (k *Kernel) Index() index.Index { return k.index }

// Store exposes the project database for the approval workflow.
func (k *Kernel) Store() *store.DB { return k.db }

// Provider exposes the embedding provider.
func (k *Kernel) Provider() embedding.Provider { return k.provider }

// ProjectID returns the project this kernel serves.
func (k *Kernel) ProjectID() string { return k.cfg.ProjectID }

// AddMemory validates, screens, and routes one memory write. Blocked and
// low-confidence outcomes are results, not errors; only infrastructure
// failures and invalid input error out.
func (k *Kernel) AddMemory(ctx context.Context, req model.AddMemoryRequest) (*model.AddResult, error) {
	layer, err := model.NormalizeLayer(req.Layer)
	if err != nil {
		return nil, err
	}
	if layer == model.LayerIdentity {
		return nil, fmt.Errorf("kernel: identity layer is write-protected, propose a constitution change instead: %w", model.ErrPermissionDenied)
	}

	confidence := 0.8
	if req.Confidence != nil {
		confidence = *req.Confidence
	}
	source := req.Source
	if source == "" {
		source = model.SourceUserInput
	}

	item := model.MemoryItem{
		ID:         uuid.NewString(),
		ProjectID:  k.cfg.ProjectID,
		Layer:      layer,
		Content:    req.Content,
		Category:   req.Category,
		Confidence: confidence,
		Source:     source,
		CreatedBy:  req.CreatedBy,
		AgentID:    req.AgentID,
		SessionID:  req.SessionID,
		Keywords:   req.Keywords,
		IsActive:   true,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
		Metadata:   req.Metadata,
	}
	if req.TTLDays > 0 {
		exp := item.CreatedAt.Add(time.Duration(req.TTLDays) * 24 * time.Hour)
		item.ExpiresAt = &exp
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}

	var reasons []string
	if k.safety != nil {
		verdict := k.safety.Check(item.Content)
		if verdict.Blocked() {
			return &model.AddResult{Status: model.AddBlocked, Reasons: verdict.Reasons}, nil
		}
		item.Content = verdict.Content
		reasons = verdict.Reasons
	}

	// Working memory never reaches the index.
	if layer == model.LayerContext {
		id := "wm:" + uuid.NewString()
		k.cache.Set(item.SessionID, id, item.Content, k.cfg.SessionExpire)
		return &model.AddResult{ID: &id, Status: model.AddSaved, Reasons: reasons}, nil
	}

	// Confidence gate for machine-extracted content. RequiresApproval
	// forces the review queue regardless of source or confidence.
	gated := model.ConfidenceGated(source)
	if gated && !req.RequiresApproval && confidence < k.cfg.PendingFloor {
		return &model.AddResult{
			Status:  model.AddRejectedLowConfidence,
			Reasons: append(reasons, fmt.Sprintf("confidence %.2f below floor %.2f", confidence, k.cfg.PendingFloor)),
		}, nil
	}
	if req.RequiresApproval || (gated && confidence < k.cfg.ApprovalThreshold) {
		pending := model.PendingMemory{
			ID:        uuid.NewString(),
			ProjectID: k.cfg.ProjectID,
			Item:      item,
			Reason:    fmt.Sprintf("confidence %.2f below auto-save threshold %.2f", confidence, k.cfg.ApprovalThreshold),
		}
		if req.RequiresApproval {
			pending.Reason = "approval required by caller"
		}
		if err := k.db.InsertPending(ctx, pending); err != nil {
			return nil, err
		}
		return &model.AddResult{Status: model.AddPending, PendingID: pending.ID, Reasons: reasons}, nil
	}

	conflicts, err := k.saveDirect(ctx, &item)
	if err != nil {
		return nil, err
	}
	return &model.AddResult{ID: &item.ID, Status: model.AddSaved, Reasons: reasons, Conflicts: conflicts}, nil
}

// saveDirect embeds, scans for conflicts, and upserts. Conflicts are
// advisory and never block the write.
func (k *Kernel) saveDirect(ctx context.Context, item *model.MemoryItem) ([]model.Conflict, error) {
	vec, err := k.provider.Embed(ctx, item.Content)
	if err != nil {
		return nil, fmt.Errorf("kernel: embed: %w", err)
	}

	var conflicts []model.Conflict
	similar, err := k.index.Query(ctx, vec, index.Filter{Layer: item.Layer}, conflictScanLimit)
	if err != nil {
		k.logger.Warn("conflict scan failed, saving without it", "error", err)
	} else {
		for _, res := range similar {
			if res.Item.ID == item.ID {
				continue
			}
			if c := k.conflict.Assess(*item, res.Item, res.Score); c != nil {
				conflicts = append(conflicts, *c)
			}
		}
	}

	if err := k.index.Upsert(ctx, []model.MemoryItem{*item}, []pgvector.Vector{vec}); err != nil {
		return nil, fmt.Errorf("kernel: upsert: %w", err)
	}
	return conflicts, nil
}

// DeleteMemory removes an item: soft (default) flips is_active, hard
// removes the point.
func (k *Kernel) DeleteMemory(ctx context.Context, id string, hard bool) error {
	if _, err := k.index.RetrieveByID(ctx, id); err != nil {
		return err
	}
	return k.index.Delete(ctx, []string{id}, hard)
}

// UpdateMemoryStatus activates or deactivates an item in place.
func (k *Kernel) UpdateMemoryStatus(ctx context.Context, id string, active bool) error {
	if _, err := k.index.RetrieveByID(ctx, id); err != nil {
		return err
	}
	return k.index.SetPayload(ctx, id, map[string]any{
		"is_active":  active,
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Stats gathers per-layer counts, queue depths, and cache size.
func (k *Kernel) Stats(ctx context.Context) (*model.Stats, error) {
	stats := &model.Stats{
		ProjectID:   k.cfg.ProjectID,
		ByLayer:     make(map[model.Layer]uint64),
		GeneratedAt: time.Now().UTC(),
	}
	for _, layer := range model.AllLayers() {
		if layer == model.LayerContext {
			continue
		}
		n, err := k.index.Count(ctx, index.Filter{Layer: layer})
		if err != nil {
			return nil, fmt.Errorf("kernel: count %s: %w", layer, err)
		}
		stats.ByLayer[layer] = n
	}
	pending, err := k.db.PendingStats(ctx)
	if err != nil {
		return nil, err
	}
	stats.Pending = pending
	if k.cache != nil {
		stats.CacheEntries = k.cache.Len()
	}
	return stats, nil
}
