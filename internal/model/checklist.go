package model

import (
	"time"
	"unicode/utf8"
)

// ChecklistStatus is the lifecycle state of a checklist item.
type ChecklistStatus string

const (
	ChecklistOpen    ChecklistStatus = "open"
	ChecklistDone    ChecklistStatus = "done"
	ChecklistSnoozed ChecklistStatus = "snoozed"
)

// ChecklistScope controls where an item is surfaced in briefings.
type ChecklistScope string

const (
	ScopeProject ChecklistScope = "project"
	ScopeRepo    ChecklistScope = "repo"
	ScopeGlobal  ChecklistScope = "global"
)

// ChecklistItem is one persistent task tracked across sessions. Items are
// referenced from plan documents by a short ref built from the first eight
// characters of the id.
type ChecklistItem struct {
	ID            string          `json:"id"`
	ProjectID     string          `json:"project_id"`
	Content       string          `json:"content"`
	Status        ChecklistStatus `json:"status"`
	Priority      int             `json:"priority"` // 1 highest .. 5 lowest; 0 unset
	Scope         ChecklistScope  `json:"scope"`
	Tags          []string        `json:"tags,omitempty"`
	SourceSession string          `json:"source_session,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	DoneAt        *time.Time      `json:"done_at,omitempty"`
}

// ShortRef returns the plan-document reference for this item.
func (c *ChecklistItem) ShortRef() string {
	if len(c.ID) < 8 {
		return c.ID
	}
	return c.ID[:8]
}

// Validate checks checklist item invariants.
func (c *ChecklistItem) Validate() error {
	n := utf8.RuneCountInString(c.Content)
	if n == 0 {
		return Invalid("content", "must not be empty")
	}
	if n > 500 {
		return Invalid("content", "exceeds maximum length of 500 characters")
	}
	switch c.Status {
	case ChecklistOpen, ChecklistDone, ChecklistSnoozed:
	default:
		return Invalid("status", "must be open, done, or snoozed")
	}
	switch c.Scope {
	case ScopeProject, ScopeRepo, ScopeGlobal:
	default:
		return Invalid("scope", "must be project, repo, or global")
	}
	if c.Priority < 0 || c.Priority > 5 {
		return Invalid("priority", "must be within 1..5, or 0 for unset")
	}
	return nil
}
