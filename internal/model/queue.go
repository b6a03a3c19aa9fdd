package model

import (
	"time"
	"unicode/utf8"
)

// PendingStatus is the lifecycle state of a queued memory awaiting review.
type PendingStatus string

const (
	PendingStatusPending    PendingStatus = "pending"
	PendingStatusProcessing PendingStatus = "processing"
	PendingStatusApproved   PendingStatus = "approved"
	PendingStatusRejected   PendingStatus = "rejected"
)

// PendingMemory is a medium-confidence extraction parked for human review.
// Approval promotes the embedded item into the index; the queue row is the
// single source of truth until then.
type PendingMemory struct {
	ID        string        `json:"id"`
	ProjectID string        `json:"project_id"`
	Item      MemoryItem    `json:"item"`
	Status    PendingStatus `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	LockedAt  *time.Time    `json:"locked_at,omitempty"`
}

// PendingStats counts queue entries by status.
type PendingStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Approved   int `json:"approved"`
	Rejected   int `json:"rejected"`
}

// ChangeType is the kind of constitution edit being proposed.
type ChangeType string

const (
	ChangeTypeAdd    ChangeType = "add"
	ChangeTypeUpdate ChangeType = "update"
	ChangeTypeRemove ChangeType = "remove"
)

// ChangeStatus is the lifecycle state of an identity-change proposal.
type ChangeStatus string

const (
	ChangeStatusPending  ChangeStatus = "pending"
	ChangeStatusApplied  ChangeStatus = "applied"
	ChangeStatusRejected ChangeStatus = "rejected"
)

// Approval is one reviewer's vote on an identity change.
type Approval struct {
	Approver   string    `json:"approver"`
	Comment    string    `json:"comment,omitempty"`
	ApprovedAt time.Time `json:"approved_at"`
}

// IdentityChange is a proposed edit to the L0 constitution. It applies to
// the index only once the approval count reaches ApprovalsNeeded.
type IdentityChange struct {
	ID              string       `json:"id"`
	ProjectID       string       `json:"project_id"`
	ChangeType      ChangeType   `json:"change_type"`
	TargetID        string       `json:"target_id,omitempty"`
	Content         string       `json:"content,omitempty"`
	Reason          string       `json:"reason"`
	ProposedBy      string       `json:"proposed_by"`
	Status          ChangeStatus `json:"status"`
	Approvals       []Approval   `json:"approvals"`
	ApprovalsNeeded int          `json:"approvals_needed"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	AppliedAt       *time.Time   `json:"applied_at,omitempty"`
}

// Validate checks proposal invariants: a known change type, bounded content
// and reason, and a target for edits that reference an existing item.
func (c *IdentityChange) Validate() error {
	switch c.ChangeType {
	case ChangeTypeAdd, ChangeTypeUpdate, ChangeTypeRemove:
	default:
		return Invalid("change_type", "must be add, update, or remove")
	}
	if c.ChangeType != ChangeTypeRemove {
		n := utf8.RuneCountInString(c.Content)
		if n == 0 {
			return Invalid("content", "must not be empty")
		}
		if n > 1000 {
			return Invalid("content", "exceeds maximum length of 1000 characters")
		}
	}
	if c.ChangeType != ChangeTypeAdd && c.TargetID == "" {
		return Invalid("target_id", "required for "+string(c.ChangeType))
	}
	n := utf8.RuneCountInString(c.Reason)
	if n == 0 {
		return Invalid("reason", "must not be empty")
	}
	if n > 500 {
		return Invalid("reason", "exceeds maximum length of 500 characters")
	}
	return nil
}

// HasApprover reports whether approver already voted on this change.
func (c *IdentityChange) HasApprover(approver string) bool {
	for _, a := range c.Approvals {
		if a.Approver == approver {
			return true
		}
	}
	return false
}
