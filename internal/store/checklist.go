package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashita-ai/kioku/internal/model"
)

// InsertChecklistItem stores a new checklist item.
func (d *DB) InsertChecklistItem(ctx context.Context, item model.ChecklistItem) error {
	tags, err := json.Marshal(item.Tags)
	if err != nil {
		return fmt.Errorf("store: marshal tags: %w", err)
	}
	now := nowRFC3339()
	_, err = d.sql.ExecContext(ctx, `
INSERT INTO checklist_items (id, project_id, content, status, priority, scope, tags, source_session, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.ProjectID, item.Content, string(item.Status), item.Priority,
		string(item.Scope), string(tags), item.SourceSession, now, now)
	if err != nil {
		return fmt.Errorf("store: insert checklist item %s: %w", item.ID, err)
	}
	return nil
}

// GetChecklistItem fetches one item by full id.
func (d *DB) GetChecklistItem(ctx context.Context, id string) (*model.ChecklistItem, error) {
	row := d.sql.QueryRowContext(ctx, `
SELECT id, project_id, content, status, priority, scope, tags, source_session, created_at, updated_at, done_at
FROM checklist_items WHERE id = ?`, id)
	item, err := scanChecklistItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: checklist item %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get checklist item %s: %w", id, err)
	}
	return item, nil
}

// FindChecklistByShortRef resolves the eight-character plan-document ref.
// A prefix can collide; all matches come back oldest first and the caller
// decides how to handle ambiguity.
func (d *DB) FindChecklistByShortRef(ctx context.Context, ref string) ([]model.ChecklistItem, error) {
	rows, err := d.sql.QueryContext(ctx, `
SELECT id, project_id, content, status, priority, scope, tags, source_session, created_at, updated_at, done_at
FROM checklist_items WHERE id LIKE ? ORDER BY created_at LIMIT 10`, ref+"%")
	if err != nil {
		return nil, fmt.Errorf("store: find checklist ref %s: %w", ref, err)
	}
	defer rows.Close()

	var matches []model.ChecklistItem
	for rows.Next() {
		item, err := scanChecklistItem(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan checklist item: %w", err)
		}
		matches = append(matches, *item)
	}
	return matches, rows.Err()
}

// SetChecklistStatus transitions an item. done records done_at; reopening
// clears it.
func (d *DB) SetChecklistStatus(ctx context.Context, id string, status model.ChecklistStatus) error {
	now := nowRFC3339()
	switch status {
	case model.ChecklistDone:
		return d.guardedUpdate(ctx, "checklist_items", id, `
UPDATE checklist_items SET status = 'done', done_at = ?, updated_at = ?
WHERE id = ? AND status != 'done'`, now, now, id)
	case model.ChecklistOpen, model.ChecklistSnoozed:
		return d.guardedUpdate(ctx, "checklist_items", id, `
UPDATE checklist_items SET status = ?, done_at = NULL, updated_at = ?
WHERE id = ? AND status != ?`, string(status), now, id, string(status))
	default:
		return model.Invalid("status", "must be open, done, or snoozed")
	}
}

// ListChecklist returns items filtered by status and scope (either may be
// empty for "any"), ordered by priority (unset last) then age.
func (d *DB) ListChecklist(ctx context.Context, status model.ChecklistStatus, scope model.ChecklistScope, limit int) ([]model.ChecklistItem, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
SELECT id, project_id, content, status, priority, scope, tags, source_session, created_at, updated_at, done_at
FROM checklist_items WHERE 1=1`
	args := []any{}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	if scope != "" {
		query += ` AND scope = ?`
		args = append(args, string(scope))
	}
	query += ` ORDER BY CASE WHEN priority = 0 THEN 99 ELSE priority END, created_at LIMIT ?`
	args = append(args, limit)

	rows, err := d.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list checklist: %w", err)
	}
	defer rows.Close()

	var out []model.ChecklistItem
	for rows.Next() {
		item, err := scanChecklistItem(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan checklist item: %w", err)
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

// DeleteChecklistItem removes an item regardless of status.
func (d *DB) DeleteChecklistItem(ctx context.Context, id string) error {
	res, err := d.sql.ExecContext(ctx, `DELETE FROM checklist_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete checklist item %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: checklist item %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func scanChecklistItem(s scanner) (*model.ChecklistItem, error) {
	var item model.ChecklistItem
	var status, scope, tags, createdAt, updatedAt string
	var doneAt sql.NullString
	if err := s.Scan(&item.ID, &item.ProjectID, &item.Content, &status, &item.Priority,
		&scope, &tags, &item.SourceSession, &createdAt, &updatedAt, &doneAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &item.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	item.Status = model.ChecklistStatus(status)
	item.Scope = model.ChecklistScope(scope)
	item.CreatedAt = parseTime(createdAt)
	item.UpdatedAt = parseTime(updatedAt)
	item.DoneAt = parseTimePtr(doneAt)
	return &item, nil
}
