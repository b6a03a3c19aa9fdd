package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashita-ai/kioku/internal/model"
)

// InsertChange stores a new identity-change proposal in status pending.
func (d *DB) InsertChange(ctx context.Context, c model.IdentityChange) error {
	approvals, err := json.Marshal(c.Approvals)
	if err != nil {
		return fmt.Errorf("store: marshal approvals: %w", err)
	}
	now := nowRFC3339()
	_, err = d.sql.ExecContext(ctx, `
INSERT INTO identity_changes (id, project_id, change_type, target_id, content, reason, proposed_by, status, approvals, approvals_needed, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?)`,
		c.ID, c.ProjectID, string(c.ChangeType), c.TargetID, c.Content, c.Reason,
		c.ProposedBy, string(approvals), c.ApprovalsNeeded, now, now)
	if err != nil {
		return fmt.Errorf("store: insert change %s: %w", c.ID, err)
	}
	return nil
}

// GetChange fetches one proposal by id.
func (d *DB) GetChange(ctx context.Context, id string) (*model.IdentityChange, error) {
	row := d.sql.QueryRowContext(ctx, `
SELECT id, project_id, change_type, target_id, content, reason, proposed_by, status, approvals, approvals_needed, created_at, updated_at, applied_at
FROM identity_changes WHERE id = ?`, id)
	c, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: change %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get change %s: %w", id, err)
	}
	return c, nil
}

// ListChanges returns proposals, optionally filtered by status, newest first.
func (d *DB) ListChanges(ctx context.Context, status model.ChangeStatus, limit int) ([]model.IdentityChange, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
SELECT id, project_id, change_type, target_id, content, reason, proposed_by, status, approvals, approvals_needed, created_at, updated_at, applied_at
FROM identity_changes`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list changes: %w", err)
	}
	defer rows.Close()

	var out []model.IdentityChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan change: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// AppendApproval atomically records one vote on a pending proposal and
// returns the updated record. A repeat vote by the same approver and a vote
// on a settled proposal are both conflicts.
func (d *DB) AppendApproval(ctx context.Context, id string, a model.Approval) (*model.IdentityChange, error) {
	// Read-modify-write on the approvals JSON. The transaction starts
	// immediate (see Open), so concurrent voters serialize on the write
	// lock and each sees the previous vote before checking for duplicates.
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin approval: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT id, project_id, change_type, target_id, content, reason, proposed_by, status, approvals, approvals_needed, created_at, updated_at, applied_at
FROM identity_changes WHERE id = ?`, id)
	c, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: change %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get change %s: %w", id, err)
	}

	if c.Status != model.ChangeStatusPending {
		return nil, fmt.Errorf("store: change %s is %s, not pending: %w", id, c.Status, model.ErrConflict)
	}
	if c.HasApprover(a.Approver) {
		return nil, fmt.Errorf("store: change %s already approved by %s: %w", id, a.Approver, model.ErrConflict)
	}

	c.Approvals = append(c.Approvals, a)
	approvals, err := json.Marshal(c.Approvals)
	if err != nil {
		return nil, fmt.Errorf("store: marshal approvals: %w", err)
	}
	now := nowRFC3339()
	if _, err := tx.ExecContext(ctx, `
UPDATE identity_changes SET approvals = ?, updated_at = ? WHERE id = ?`,
		string(approvals), now, id); err != nil {
		return nil, fmt.Errorf("store: append approval to %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit approval: %w", err)
	}

	c.UpdatedAt = parseTime(now)
	return c, nil
}

// SetChangeStatus transitions a pending proposal to applied or rejected.
// appliedAt is recorded only for the applied status.
func (d *DB) SetChangeStatus(ctx context.Context, id string, status model.ChangeStatus) error {
	switch status {
	case model.ChangeStatusApplied:
		now := nowRFC3339()
		return d.guardedUpdate(ctx, "identity_changes", id, `
UPDATE identity_changes SET status = 'applied', applied_at = ?, updated_at = ?
WHERE id = ? AND status = 'pending'`, now, now, id)
	case model.ChangeStatusRejected:
		return d.guardedUpdate(ctx, "identity_changes", id, `
UPDATE identity_changes SET status = 'rejected', updated_at = ?
WHERE id = ? AND status = 'pending'`, nowRFC3339(), id)
	default:
		return model.Invalid("status", "must be applied or rejected")
	}
}

func scanChange(s scanner) (*model.IdentityChange, error) {
	var c model.IdentityChange
	var changeType, status, approvals, createdAt, updatedAt string
	var appliedAt sql.NullString
	if err := s.Scan(&c.ID, &c.ProjectID, &changeType, &c.TargetID, &c.Content, &c.Reason,
		&c.ProposedBy, &status, &approvals, &c.ApprovalsNeeded, &createdAt, &updatedAt, &appliedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(approvals), &c.Approvals); err != nil {
		return nil, fmt.Errorf("decode approvals: %w", err)
	}
	c.ChangeType = model.ChangeType(changeType)
	c.Status = model.ChangeStatus(status)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	c.AppliedAt = parseTimePtr(appliedAt)
	return &c, nil
}
