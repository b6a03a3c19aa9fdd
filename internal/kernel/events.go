package kernel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kioku/internal/model"
)

// LogEvent records an episodic memory. Location and participants are
// appended to the content so they contribute to the embedding, and kept
// as structured payload fields for filtering.
func (k *Kernel) LogEvent(ctx context.Context, req model.LogEventRequest) (*model.EventResult, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, model.Invalid("content", "must not be empty")
	}

	when := time.Now().UTC()
	if req.When != nil {
		when = req.When.UTC()
	}

	content := req.Content
	if suffix := eventSuffix(req.Where, req.Who); suffix != "" {
		content += " " + suffix
	}

	item := model.MemoryItem{
		ID:         uuid.NewString(),
		ProjectID:  k.cfg.ProjectID,
		Layer:      model.LayerEventLog,
		Content:    content,
		Category:   "event",
		Confidence: 1.0,
		Source:     model.SourceUserInput,
		AgentID:    req.AgentID,
		SessionID:  req.SessionID,
		IsActive:   true,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
		When:       &when,
		Where:      req.Where,
		Who:        req.Who,
	}
	if req.TTLDays > 0 {
		exp := when.Add(time.Duration(req.TTLDays) * 24 * time.Hour)
		item.ExpiresAt = &exp
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}

	if k.safety != nil {
		verdict := k.safety.Check(item.Content)
		if verdict.Blocked() {
			return nil, fmt.Errorf("kernel: event rejected: %w", &model.SafetyBlocked{Reasons: verdict.Reasons})
		}
		item.Content = verdict.Content
	}

	if _, err := k.saveDirect(ctx, &item); err != nil {
		return nil, err
	}
	return &model.EventResult{
		ID:     item.ID,
		Layer:  model.LayerEventLog,
		When:   when,
		Status: model.AddSaved,
		Where:  req.Where,
		Who:    req.Who,
	}, nil
}

// eventSuffix renders the spatio-social context marker appended to event
// content. Empty where and who produce no suffix.
func eventSuffix(where string, who []string) string {
	var parts []string
	if where != "" {
		parts = append(parts, "地点:"+where)
	}
	if len(who) > 0 {
		parts = append(parts, "人物:"+strings.Join(who, ","))
	}
	if len(parts) == 0 {
		return ""
	}
	return "[" + strings.Join(parts, "; ") + "]"
}

// PromoteEventToFact copies an event into the fact layer under a new id
// and marks the original. Promotion is idempotent: an already-promoted
// event returns its existing fact id without a new write.
func (k *Kernel) PromoteEventToFact(ctx context.Context, eventID, reason string) (*model.PromoteResult, error) {
	event, err := k.index.RetrieveByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !event.IsActive {
		return nil, fmt.Errorf("kernel: event %s is inactive: %w", eventID, model.ErrNotFound)
	}
	if event.Layer == model.LayerFact {
		return &model.PromoteResult{FactID: event.ID, EventID: eventID, AlreadyFact: true}, nil
	}
	if event.Layer != model.LayerEventLog {
		return nil, model.Invalid("event_id", fmt.Sprintf("%s is in layer %s, only events can be promoted", eventID, event.Layer))
	}
	if event.PromotedToFact {
		return &model.PromoteResult{FactID: event.PromotedFactID, EventID: eventID, AlreadyDone: true}, nil
	}

	now := time.Now().UTC()
	fact := model.MemoryItem{
		ID:         uuid.NewString(),
		ProjectID:  k.cfg.ProjectID,
		Layer:      model.LayerFact,
		Content:    event.Content,
		Category:   event.Category,
		Confidence: 1.0,
		Source:     model.SourcePromotedFromEvent,
		CreatedBy:  event.CreatedBy,
		Keywords:   event.Keywords,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
		Metadata: map[string]any{
			"promoted_from": eventID,
			"reason":        reason,
		},
	}

	vec, err := k.provider.Embed(ctx, fact.Content)
	if err != nil {
		return nil, fmt.Errorf("kernel: embed fact: %w", err)
	}
	if err := k.index.Upsert(ctx, []model.MemoryItem{fact}, []pgvector.Vector{vec}); err != nil {
		return nil, fmt.Errorf("kernel: upsert fact: %w", err)
	}

	// The fact is live; a failed marker patch must not undo the promotion.
	patch := map[string]any{
		"promoted_to_fact": true,
		"promoted_at":      now.Format(time.RFC3339Nano),
		"promoted_fact_id": fact.ID,
		"updated_at":       now.Format(time.RFC3339Nano),
	}
	if err := k.index.SetPayload(ctx, eventID, patch); err != nil {
		k.logger.Error("promotion marker patch failed, event can be re-marked later",
			"event_id", eventID, "fact_id", fact.ID, "error", err)
	}
	return &model.PromoteResult{FactID: fact.ID, EventID: eventID}, nil
}
