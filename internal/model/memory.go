package model

import (
	"time"
	"unicode/utf8"
)

// MaxContentLen is the per-item content ceiling in characters.
const MaxContentLen = 2000

// Source values describe where a memory item came from. Confidence gating
// applies only to machine-extracted sources.
const (
	SourceUserInput         = "user_input"
	SourceAIExtraction      = "ai_extraction"
	SourceExternalAI        = "external_ai"
	SourcePromotedFromEvent = "promoted_from_event"
	SourceCloudSync         = "cloud_sync"
)

// ConfidenceGated reports whether items from this source pass through the
// confidence gate before being saved. Human input and promotions are
// trusted as-is.
func ConfidenceGated(source string) bool {
	return source == SourceAIExtraction || source == SourceExternalAI
}

// MemoryItem is a single memory in any persistent layer. One item maps to
// one point in the vector index; the struct round-trips through the point
// payload via Payload and ItemFromPayload.
type MemoryItem struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"project_id"`
	Layer      Layer      `json:"layer"`
	Content    string     `json:"content"`
	Category   string     `json:"category,omitempty"`
	Confidence float64    `json:"confidence"`
	Source     string     `json:"source,omitempty"`
	CreatedBy  string     `json:"created_by,omitempty"`
	AgentID    string     `json:"agent_id,omitempty"`
	SessionID  string     `json:"session_id,omitempty"`
	Keywords   []string   `json:"keywords,omitempty"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`

	// Event fields (L2 only).
	When  *time.Time `json:"when,omitempty"`
	Where string     `json:"where,omitempty"`
	Who   []string   `json:"who,omitempty"`

	// Promotion markers set on an L2 event once it has been promoted to a
	// verified fact. The fact itself is a separate item.
	PromotedToFact bool       `json:"promoted_to_fact,omitempty"`
	PromotedAt     *time.Time `json:"promoted_at,omitempty"`
	PromotedFactID string     `json:"promoted_fact_id,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate checks the invariants every item must satisfy before it reaches
// the index: known layer, non-empty bounded content, confidence in [0,1].
func (m *MemoryItem) Validate() error {
	if !m.Layer.Valid() {
		return Invalid("layer", "unknown layer "+string(m.Layer))
	}
	n := utf8.RuneCountInString(m.Content)
	if n == 0 {
		return Invalid("content", "must not be empty")
	}
	if n > MaxContentLen {
		return Invalid("content", "exceeds maximum length of 2000 characters")
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return Invalid("confidence", "must be within [0, 1]")
	}
	return nil
}

// Expired reports whether the item has an expiry in the past relative to now.
func (m *MemoryItem) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// Payload flattens the item into an index point payload. Filterable
// timestamps get a float unix twin so range conditions work uniformly
// across index backends.
func (m *MemoryItem) Payload() map[string]any {
	p := map[string]any{
		"project_id": m.ProjectID,
		"layer":      string(m.Layer),
		"content":    m.Content,
		"confidence": m.Confidence,
		"is_active":  m.IsActive,
		"created_at": m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at": m.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if m.Category != "" {
		p["category"] = m.Category
	}
	if m.Source != "" {
		p["source"] = m.Source
	}
	if m.CreatedBy != "" {
		p["created_by"] = m.CreatedBy
	}
	if m.AgentID != "" {
		p["agent_id"] = m.AgentID
	}
	if m.SessionID != "" {
		p["session_id"] = m.SessionID
	}
	if len(m.Keywords) > 0 {
		p["keywords"] = toAnySlice(m.Keywords)
	}
	if m.ExpiresAt != nil {
		p["expires_at"] = m.ExpiresAt.UTC().Format(time.RFC3339Nano)
		p["expires_at_unix"] = float64(m.ExpiresAt.Unix())
	}
	if m.When != nil {
		p["when"] = m.When.UTC().Format(time.RFC3339Nano)
		p["when_unix"] = float64(m.When.Unix())
	}
	if m.Where != "" {
		p["where"] = m.Where
	}
	if len(m.Who) > 0 {
		p["who"] = toAnySlice(m.Who)
	}
	if m.PromotedToFact {
		p["promoted_to_fact"] = true
		p["promoted_fact_id"] = m.PromotedFactID
		if m.PromotedAt != nil {
			p["promoted_at"] = m.PromotedAt.UTC().Format(time.RFC3339Nano)
		}
	}
	if len(m.Metadata) > 0 {
		p["metadata"] = m.Metadata
	}
	return p
}

// ItemFromPayload reconstructs an item from a point payload. Parsing is
// tolerant: missing or mistyped fields fall back to zero values rather than
// failing, so one malformed point cannot poison a whole result set.
func ItemFromPayload(id string, p map[string]any) MemoryItem {
	m := MemoryItem{
		ID:         id,
		ProjectID:  payloadString(p, "project_id"),
		Layer:      Layer(payloadString(p, "layer")),
		Content:    payloadString(p, "content"),
		Category:   payloadString(p, "category"),
		Confidence: payloadFloat(p, "confidence"),
		Source:     payloadString(p, "source"),
		CreatedBy:  payloadString(p, "created_by"),
		AgentID:    payloadString(p, "agent_id"),
		SessionID:  payloadString(p, "session_id"),
		Keywords:   payloadStrings(p, "keywords"),
		IsActive:   payloadBool(p, "is_active"),
		Where:      payloadString(p, "where"),
		Who:        payloadStrings(p, "who"),

		PromotedToFact: payloadBool(p, "promoted_to_fact"),
		PromotedFactID: payloadString(p, "promoted_fact_id"),
	}
	m.CreatedAt = payloadTime(p, "created_at")
	m.UpdatedAt = payloadTime(p, "updated_at")
	if t := payloadTime(p, "expires_at"); !t.IsZero() {
		m.ExpiresAt = &t
	}
	if t := payloadTime(p, "when"); !t.IsZero() {
		m.When = &t
	}
	if t := payloadTime(p, "promoted_at"); !t.IsZero() {
		m.PromotedAt = &t
	}
	if md, ok := p["metadata"].(map[string]any); ok && len(md) > 0 {
		m.Metadata = md
	}
	return m
}

func payloadString(p map[string]any, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func payloadFloat(p map[string]any, key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

func payloadBool(p map[string]any, key string) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return false
}

func payloadStrings(p map[string]any, key string) []string {
	raw, ok := p[key].([]any)
	if !ok {
		if ss, ok := p[key].([]string); ok && len(ss) > 0 {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func payloadTime(p map[string]any, key string) time.Time {
	s, ok := p[key].(string)
	if !ok || s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// Clamp01 clips a similarity score into [0, 1]. Index backends can emit
// values slightly outside the range (float error, signed cosine).
func Clamp01(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
