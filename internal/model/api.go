package model

import "time"

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for list endpoints.
type ListResponse struct {
	Data  any          `json:"data"`
	Total int          `json:"total"`
	Limit int          `json:"limit"`
	Meta  ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// AddMemoryRequest is the request body for POST /v1/memories and the
// argument set of the add_memory tool.
type AddMemoryRequest struct {
	Content          string         `json:"content"`
	Layer            string         `json:"layer"`
	Category         string         `json:"category,omitempty"`
	Confidence       *float64       `json:"confidence,omitempty"` // default 0.8
	Source           string         `json:"source,omitempty"`     // default user_input
	CreatedBy        string         `json:"created_by,omitempty"`
	AgentID          string         `json:"agent_id,omitempty"`
	SessionID        string         `json:"session_id,omitempty"`
	Keywords         []string       `json:"keywords,omitempty"`
	TTLDays          int            `json:"ttl_days,omitempty"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// SearchMemoryRequest is the request for GET /v1/memories/search and the
// search_memory tool.
type SearchMemoryRequest struct {
	Query               string   `json:"query"`
	Layer               string   `json:"layer,omitempty"`
	Category            string   `json:"category,omitempty"`
	AgentID             string   `json:"agent_id,omitempty"`
	IncludeConstitution bool     `json:"include_constitution,omitempty"`
	Limit               int      `json:"limit,omitempty"`     // default 5, max 20
	MinScore            *float64 `json:"min_score,omitempty"` // default from config
}

// LogEventRequest is the request for POST /v1/events and the log_event tool.
type LogEventRequest struct {
	Content   string     `json:"content"`
	When      *time.Time `json:"when,omitempty"` // default now
	Where     string     `json:"where,omitempty"`
	Who       []string   `json:"who,omitempty"`
	AgentID   string     `json:"agent_id,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	TTLDays   int        `json:"ttl_days,omitempty"` // 0 means no expiry
}

// EventResult is the response for a logged event.
type EventResult struct {
	ID     string    `json:"id"`
	Layer  Layer     `json:"layer"`
	When   time.Time `json:"when"`
	Status AddStatus `json:"status"`
	Where  string    `json:"where,omitempty"`
	Who    []string  `json:"who,omitempty"`
}

// SearchEventsRequest is the request for GET /v1/events/search and the
// search_events tool.
type SearchEventsRequest struct {
	Query   string     `json:"query"`
	Where   string     `json:"where,omitempty"`
	Who     []string   `json:"who,omitempty"`
	From    *time.Time `json:"from,omitempty"`
	To      *time.Time `json:"to,omitempty"`
	AgentID string     `json:"agent_id,omitempty"`
	Limit   int        `json:"limit,omitempty"`
}

// PromoteResult is the response for promoting an event to a verified fact.
type PromoteResult struct {
	FactID      string `json:"fact_id"`
	EventID     string `json:"event_id"`
	AlreadyFact bool   `json:"already_fact,omitempty"` // target was not an event
	AlreadyDone bool   `json:"already_done,omitempty"` // event was promoted earlier
}

// ProposeChangeRequest is the request body for POST /v1/constitution/changes
// and the propose_constitution_change tool.
type ProposeChangeRequest struct {
	ChangeType string `json:"change_type"`
	Content    string `json:"content,omitempty"`
	TargetID   string `json:"target_id,omitempty"`
	Reason     string `json:"reason"`
	ProposedBy string `json:"proposed_by,omitempty"` // default "unknown"
}

// ApproveChangeRequest is the request body for approving a proposal.
type ApproveChangeRequest struct {
	Approver string `json:"approver"`
	Comment  string `json:"comment,omitempty"`
}

// RejectChangeRequest is the request body for rejecting a proposal.
type RejectChangeRequest struct {
	Rejector string `json:"rejector"`
	Reason   string `json:"reason,omitempty"`
}

// RefineRequest is the request for POST /v1/refine and the refine_memory tool.
type RefineRequest struct {
	Query     string `json:"query"`
	Layer     string `json:"layer,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// RefineResult is a compacted context block assembled from search results.
type RefineResult struct {
	Text       string `json:"text"`
	Used       int    `json:"used"`       // memories included
	Compressed int    `json:"compressed"` // memories included in masked form
	Tokens     int    `json:"tokens"`     // estimated size of Text
}

// CreateChecklistRequest is the request body for POST /v1/checklist.
type CreateChecklistRequest struct {
	Content   string   `json:"content"`
	Priority  int      `json:"priority,omitempty"`
	Scope     string   `json:"scope,omitempty"` // default project
	Tags      []string `json:"tags,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
}

// SyncPlanRequest is the request body for POST /v1/checklist/sync-plan.
type SyncPlanRequest struct {
	Plan      string `json:"plan"`
	SessionID string `json:"session_id,omitempty"`
}

// SyncPlanResult summarizes a plan synchronization.
type SyncPlanResult struct {
	Updated int `json:"updated"`
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

// OpsDocHit is one operational document matched by search_operations.
type OpsDocHit struct {
	Name    string   `json:"name"`
	Title   string   `json:"title"`
	Score   float64  `json:"score"`
	Snippet string   `json:"snippet"`
	Tags    []string `json:"tags,omitempty"`
}

// DeleteMemoryRequest is the request body for DELETE /v1/memories/{id}
// and the argument set of the delete_memory tool. The confirmation phrase
// is required so a careless tool call cannot destroy data.
type DeleteMemoryRequest struct {
	Confirm string `json:"confirm"`
	Hard    bool   `json:"hard,omitempty"`
}

// DeleteConfirmed reports whether phrase authorizes a destructive delete.
// Either the Chinese or the English phrase is accepted.
func DeleteConfirmed(phrase string) bool {
	return phrase == "确认删除" || phrase == "confirm delete"
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	ProjectID string `json:"project_id"`
	IndexMode string `json:"index_mode"`
	Index     string `json:"index"` // "ok" or error text
	Provider  string `json:"provider"`
	Pending   int    `json:"pending"`
	Uptime    int64  `json:"uptime_seconds"`
}
