package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kioku/internal/model"
)

// ListPending returns review-queue entries.
func (k *Kernel) ListPending(ctx context.Context, status model.PendingStatus, limit int) ([]model.PendingMemory, error) {
	return k.db.ListPending(ctx, status, limit)
}

// GetPending returns one queue entry.
func (k *Kernel) GetPending(ctx context.Context, id string) (*model.PendingMemory, error) {
	return k.db.GetPending(ctx, id)
}

// PendingStats counts queue entries by status.
func (k *Kernel) PendingStats(ctx context.Context) (model.PendingStats, error) {
	return k.db.PendingStats(ctx)
}

// ApprovePending promotes a queued memory into the index. The sequence is
// lock, write, mark, delete: exactly one approver wins the lock, the index
// write happens before the queue row is settled, and an index failure
// rolls the entry back to pending so it stays retryable.
func (k *Kernel) ApprovePending(ctx context.Context, id, approver string) (*model.MemoryItem, error) {
	pending, err := k.db.TryLock(ctx, id)
	if err != nil {
		return nil, err
	}

	item := pending.Item
	item.IsActive = true
	if approver != "" {
		if item.Metadata == nil {
			item.Metadata = map[string]any{}
		}
		item.Metadata["approved_by"] = approver
	}

	if err := k.writeThenCommit(ctx, &item,
		func(cctx context.Context) error { return k.db.MarkApproved(cctx, id) },
	); err != nil {
		// Compensation: undo any partial index write and release the lock
		// so another approver can retry.
		if delErr := k.index.Delete(ctx, []string{item.ID}, false); delErr != nil && !isNotFound(delErr) {
			k.logger.Error("manual cleanup required: compensation delete failed after aborted promotion",
				"pending_id", id, "item_id", item.ID, "error", delErr)
		}
		if unlockErr := k.db.Unlock(ctx, id); unlockErr != nil {
			k.logger.Error("manual cleanup required: could not unlock pending entry after aborted promotion",
				"pending_id", id, "error", unlockErr)
		}
		return nil, fmt.Errorf("kernel: promote pending %s (entry unlocked, retryable): %w", id, err)
	}

	// The memory is live. A failed delete leaves an orphaned approved row,
	// which is cleanable and must not undo the index write.
	if err := k.db.DeletePending(ctx, id); err != nil {
		k.logger.Error("approved queue row could not be deleted, cleanup needed",
			"pending_id", id, "item_id", item.ID, "error", err)
	}
	return &item, nil
}

// RejectPending declines a queued memory. Entries mid-promotion cannot be
// rejected.
func (k *Kernel) RejectPending(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "rejected by reviewer"
	}
	return k.db.MarkRejected(ctx, id, reason)
}

// writeThenCommit is the shared two-phase pattern for promotions and
// identity-change application: the index write happens first, then the
// durable status commit. The caller handles compensation when either
// phase fails.
func (k *Kernel) writeThenCommit(ctx context.Context, item *model.MemoryItem, commit func(context.Context) error) error {
	vec, err := k.provider.Embed(ctx, item.Content)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if err := k.index.Upsert(ctx, []model.MemoryItem{*item}, []pgvector.Vector{vec}); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	if err := commit(ctx); err != nil {
		return fmt.Errorf("commit after index write: %w", err)
	}
	return nil
}

// WriteThenCommit exposes the two-phase helper to the approval workflow.
func (k *Kernel) WriteThenCommit(ctx context.Context, item *model.MemoryItem, commit func(context.Context) error) error {
	return k.writeThenCommit(ctx, item, commit)
}

func isNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}
