// Package approval implements the N-of-M review workflow for identity
// (constitution) changes. Proposals accumulate votes in the project
// database; once the vote count reaches the configured quorum the change
// is applied to the index, write-before-commit, so a failed apply leaves
// the proposal pending and retryable.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kioku/internal/index"
	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/store"
)

// Applier is the slice of the kernel the workflow needs: the two-phase
// index write and direct index access for targeted edits.
type Applier interface {
	WriteThenCommit(ctx context.Context, item *model.MemoryItem, commit func(context.Context) error) error
	Index() index.Index
}

// Workflow manages constitution change proposals for one project.
type Workflow struct {
	db        *store.DB
	applier   Applier
	projectID string
	needed    int
	logger    *slog.Logger
}

// New creates a workflow. A quorum below 1 is clamped to 1.
func New(db *store.DB, applier Applier, projectID string, approvalsNeeded int, logger *slog.Logger) *Workflow {
	if approvalsNeeded < 1 {
		approvalsNeeded = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		db:        db,
		applier:   applier,
		projectID: projectID,
		needed:    approvalsNeeded,
		logger:    logger,
	}
}

// Propose records a new change proposal in status pending. Update and
// remove proposals must name an existing identity item.
func (w *Workflow) Propose(ctx context.Context, req model.ProposeChangeRequest) (*model.IdentityChange, error) {
	proposedBy := strings.TrimSpace(req.ProposedBy)
	if proposedBy == "" {
		proposedBy = "unknown"
	}

	change := model.IdentityChange{
		ID:              uuid.NewString(),
		ProjectID:       w.projectID,
		ChangeType:      model.ChangeType(req.ChangeType),
		TargetID:        req.TargetID,
		Content:         req.Content,
		Reason:          req.Reason,
		ProposedBy:      proposedBy,
		Status:          model.ChangeStatusPending,
		Approvals:       []model.Approval{},
		ApprovalsNeeded: w.needed,
	}
	if err := change.Validate(); err != nil {
		return nil, err
	}

	if change.ChangeType != model.ChangeTypeAdd {
		target, err := w.applier.Index().RetrieveByID(ctx, change.TargetID)
		if err != nil {
			return nil, fmt.Errorf("approval: target %s: %w", change.TargetID, err)
		}
		if target.Layer != model.LayerIdentity {
			return nil, model.Invalid("target_id", fmt.Sprintf("%s is in layer %s, not %s", change.TargetID, target.Layer, model.LayerIdentity))
		}
	}

	if err := w.db.InsertChange(ctx, change); err != nil {
		return nil, err
	}
	return w.db.GetChange(ctx, change.ID)
}

// Approve records one vote. When the vote reaches quorum the change is
// applied immediately; an apply failure keeps the proposal pending with
// the vote already counted, so a later vote or retry can finish it.
func (w *Workflow) Approve(ctx context.Context, id string, req model.ApproveChangeRequest) (*model.IdentityChange, error) {
	approver := strings.TrimSpace(req.Approver)
	if approver == "" {
		return nil, model.Invalid("approver", "must not be empty")
	}

	change, err := w.db.AppendApproval(ctx, id, model.Approval{
		Approver:   approver,
		Comment:    req.Comment,
		ApprovedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	if len(change.Approvals) < change.ApprovalsNeeded {
		return change, nil
	}

	if err := w.apply(ctx, change); err != nil {
		w.logger.Error("identity change reached quorum but could not be applied, staying pending",
			"change_id", change.ID, "change_type", change.ChangeType, "error", err)
		return nil, fmt.Errorf("approval: apply change %s (votes recorded, retryable): %w", change.ID, err)
	}
	return w.db.GetChange(ctx, change.ID)
}

// Reject settles a pending proposal without applying it.
func (w *Workflow) Reject(ctx context.Context, id string, req model.RejectChangeRequest) (*model.IdentityChange, error) {
	if err := w.db.SetChangeStatus(ctx, id, model.ChangeStatusRejected); err != nil {
		return nil, err
	}
	w.logger.Info("identity change rejected",
		"change_id", id, "rejector", req.Rejector, "reason", req.Reason)
	return w.db.GetChange(ctx, id)
}

// Get returns one proposal.
func (w *Workflow) Get(ctx context.Context, id string) (*model.IdentityChange, error) {
	return w.db.GetChange(ctx, id)
}

// List returns proposals, optionally filtered by status, newest first.
func (w *Workflow) List(ctx context.Context, status model.ChangeStatus, limit int) ([]model.IdentityChange, error) {
	return w.db.ListChanges(ctx, status, limit)
}

// apply executes an approved change against the index. For add and update
// the index write happens before the status commit; for remove the
// soft-delete is idempotent so ordering does not matter.
func (w *Workflow) apply(ctx context.Context, change *model.IdentityChange) error {
	commit := func(cctx context.Context) error {
		return w.db.SetChangeStatus(cctx, change.ID, model.ChangeStatusApplied)
	}

	switch change.ChangeType {
	case model.ChangeTypeAdd:
		item := w.identityItem(uuid.NewString(), change)
		return w.applier.WriteThenCommit(ctx, item, commit)

	case model.ChangeTypeUpdate:
		target, err := w.applier.Index().RetrieveByID(ctx, change.TargetID)
		if err != nil {
			return fmt.Errorf("target %s: %w", change.TargetID, err)
		}
		item := w.identityItem(target.ID, change)
		item.CreatedAt = target.CreatedAt
		return w.applier.WriteThenCommit(ctx, item, commit)

	case model.ChangeTypeRemove:
		if err := w.applier.Index().Delete(ctx, []string{change.TargetID}, false); err != nil {
			return fmt.Errorf("deactivate %s: %w", change.TargetID, err)
		}
		return commit(ctx)

	default:
		return model.Invalid("change_type", "must be add, update, or remove")
	}
}

// identityItem builds the L0 item carrying an applied change. Approvers
// are recorded in metadata for audit.
func (w *Workflow) identityItem(id string, change *model.IdentityChange) *model.MemoryItem {
	approvers := make([]string, 0, len(change.Approvals))
	for _, a := range change.Approvals {
		approvers = append(approvers, a.Approver)
	}
	now := time.Now().UTC()
	return &model.MemoryItem{
		ID:         id,
		ProjectID:  w.projectID,
		Layer:      model.LayerIdentity,
		Content:    change.Content,
		Category:   "constitution",
		Confidence: 1.0,
		Source:     model.SourceUserInput,
		CreatedBy:  change.ProposedBy,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
		Metadata: map[string]any{
			"change_id":   change.ID,
			"approved_by": strings.Join(approvers, ","),
		},
	}
}
