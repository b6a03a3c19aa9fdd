package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashita-ai/kioku/internal/model"
)

// InsertPending stores a new queue entry in status pending.
func (d *DB) InsertPending(ctx context.Context, p model.PendingMemory) error {
	item, err := json.Marshal(p.Item)
	if err != nil {
		return fmt.Errorf("store: marshal pending item: %w", err)
	}
	now := nowRFC3339()
	_, err = d.sql.ExecContext(ctx, `
INSERT INTO pending_memories (id, project_id, item, layer, confidence, status, reason, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 'pending', ?, ?, ?)`,
		p.ID, p.ProjectID, string(item), string(p.Item.Layer), p.Item.Confidence, p.Reason, now, now)
	if err != nil {
		return fmt.Errorf("store: insert pending %s: %w", p.ID, err)
	}
	return nil
}

// GetPending fetches one queue entry by id.
func (d *DB) GetPending(ctx context.Context, id string) (*model.PendingMemory, error) {
	row := d.sql.QueryRowContext(ctx, `
SELECT id, project_id, item, status, reason, created_at, updated_at, locked_at
FROM pending_memories WHERE id = ?`, id)
	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: pending %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get pending %s: %w", id, err)
	}
	return p, nil
}

// ListPending returns queue entries in the given status (empty = pending),
// highest confidence first, newest first within equal confidence.
func (d *DB) ListPending(ctx context.Context, status model.PendingStatus, limit int) ([]model.PendingMemory, error) {
	if status == "" {
		status = model.PendingStatusPending
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.sql.QueryContext(ctx, `
SELECT id, project_id, item, status, reason, created_at, updated_at, locked_at
FROM pending_memories WHERE status = ?
ORDER BY confidence DESC, created_at DESC LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("store: list pending: %w", err)
	}
	defer rows.Close()

	var out []model.PendingMemory
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan pending: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// TryLock atomically moves a pending entry to processing and returns it.
// The compare-and-set on status is the only admissible way to begin an
// approval: exactly one concurrent caller wins.
func (d *DB) TryLock(ctx context.Context, id string) (*model.PendingMemory, error) {
	now := nowRFC3339()
	res, err := d.sql.ExecContext(ctx, `
UPDATE pending_memories SET status = 'processing', locked_at = ?, updated_at = ?
WHERE id = ? AND status = 'pending'`, now, now, id)
	if err != nil {
		return nil, fmt.Errorf("store: lock pending %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		// Either missing or already claimed; both are a conflict for the
		// caller, but distinguish missing for a clean 404.
		var exists int
		probeErr := d.sql.QueryRowContext(ctx, `SELECT 1 FROM pending_memories WHERE id = ?`, id).Scan(&exists)
		if errors.Is(probeErr, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: pending %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("store: pending %s is not pending: %w", id, model.ErrConflict)
	}
	return d.GetPending(ctx, id)
}

// Unlock returns a processing entry to pending. Used to roll back a failed
// promotion.
func (d *DB) Unlock(ctx context.Context, id string) error {
	return d.guardedUpdate(ctx, "pending_memories", id, `
UPDATE pending_memories SET status = 'pending', locked_at = NULL, updated_at = ?
WHERE id = ? AND status = 'processing'`, nowRFC3339(), id)
}

// MarkApproved moves a processing entry to approved.
func (d *DB) MarkApproved(ctx context.Context, id string) error {
	return d.guardedUpdate(ctx, "pending_memories", id, `
UPDATE pending_memories SET status = 'approved', updated_at = ?
WHERE id = ? AND status = 'processing'`, nowRFC3339(), id)
}

// MarkRejected moves a pending entry to rejected. Entries mid-promotion
// (processing) cannot be rejected.
func (d *DB) MarkRejected(ctx context.Context, id, reason string) error {
	return d.guardedUpdate(ctx, "pending_memories", id, `
UPDATE pending_memories SET status = 'rejected', reason = ?, updated_at = ?
WHERE id = ? AND status = 'pending'`, reason, nowRFC3339(), id)
}

// DeletePending removes a settled (approved or rejected) entry.
func (d *DB) DeletePending(ctx context.Context, id string) error {
	return d.guardedUpdate(ctx, "pending_memories", id, `
DELETE FROM pending_memories WHERE id = ? AND status IN ('approved', 'rejected')`, id)
}

// PendingStats counts queue entries by status.
func (d *DB) PendingStats(ctx context.Context) (model.PendingStats, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT status, COUNT(*) FROM pending_memories GROUP BY status`)
	if err != nil {
		return model.PendingStats{}, fmt.Errorf("store: pending stats: %w", err)
	}
	defer rows.Close()

	var stats model.PendingStats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return model.PendingStats{}, fmt.Errorf("store: scan stats: %w", err)
		}
		switch model.PendingStatus(status) {
		case model.PendingStatusPending:
			stats.Pending = n
		case model.PendingStatusProcessing:
			stats.Processing = n
		case model.PendingStatusApproved:
			stats.Approved = n
		case model.PendingStatusRejected:
			stats.Rejected = n
		}
	}
	return stats, rows.Err()
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPending(s scanner) (*model.PendingMemory, error) {
	var p model.PendingMemory
	var item, status, createdAt, updatedAt string
	var lockedAt sql.NullString
	if err := s.Scan(&p.ID, &p.ProjectID, &item, &status, &p.Reason, &createdAt, &updatedAt, &lockedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(item), &p.Item); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	p.Status = model.PendingStatus(status)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	p.LockedAt = parseTimePtr(lockedAt)
	return &p, nil
}
