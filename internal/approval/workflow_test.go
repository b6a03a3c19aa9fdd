package approval

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashita-ai/kioku/internal/index"
	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memIndex is the minimal index the workflow touches: retrieve, write,
// and soft-delete.
type memIndex struct {
	mu    sync.Mutex
	items map[string]model.MemoryItem
}

func newMemIndex() *memIndex {
	return &memIndex{items: make(map[string]model.MemoryItem)}
}

func (m *memIndex) EnsureCollection(context.Context, int) error { return nil }

func (m *memIndex) Upsert(_ context.Context, items []model.MemoryItem, _ []pgvector.Vector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		m.items[it.ID] = it
	}
	return nil
}

func (m *memIndex) Query(context.Context, pgvector.Vector, index.Filter, int) ([]model.SearchResult, error) {
	return nil, nil
}

func (m *memIndex) Scroll(context.Context, index.Filter, int) ([]model.MemoryItem, error) {
	return nil, nil
}

func (m *memIndex) RetrieveByID(_ context.Context, id string) (*model.MemoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("mem index: %s: %w", id, model.ErrNotFound)
	}
	return &it, nil
}

func (m *memIndex) SetPayload(context.Context, string, map[string]any) error { return nil }

func (m *memIndex) Delete(_ context.Context, ids []string, hard bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		it, ok := m.items[id]
		if !ok {
			continue
		}
		if hard {
			delete(m.items, id)
			continue
		}
		it.IsActive = false
		m.items[id] = it
	}
	return nil
}

func (m *memIndex) Count(context.Context, index.Filter) (uint64, error) { return 0, nil }
func (m *memIndex) Healthy(context.Context) error                       { return nil }
func (m *memIndex) Close() error                                        { return nil }

// fakeApplier writes straight into the memIndex. failNext makes the next
// WriteThenCommit fail before touching the index.
type fakeApplier struct {
	idx      *memIndex
	failNext bool
}

func (a *fakeApplier) Index() index.Index { return a.idx }

func (a *fakeApplier) WriteThenCommit(ctx context.Context, item *model.MemoryItem, commit func(context.Context) error) error {
	if a.failNext {
		a.failNext = false
		return fmt.Errorf("applier: index unavailable")
	}
	if err := a.idx.Upsert(ctx, []model.MemoryItem{*item}, nil); err != nil {
		return err
	}
	return commit(ctx)
}

func newTestWorkflow(t *testing.T, quorum int) (*Workflow, *fakeApplier) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	applier := &fakeApplier{idx: newMemIndex()}
	return New(db, applier, "proj-1", quorum, nil), applier
}

func seedIdentityItem(t *testing.T, idx *memIndex, id, content string) {
	t.Helper()
	require.NoError(t, idx.Upsert(context.Background(), []model.MemoryItem{{
		ID: id, ProjectID: "proj-1", Layer: model.LayerIdentity,
		Content: content, Confidence: 1, IsActive: true,
	}}, nil))
}

func TestProposeAdd(t *testing.T) {
	w, _ := newTestWorkflow(t, 3)
	got, err := w.Propose(context.Background(), model.ProposeChangeRequest{
		ChangeType: "add",
		Content:    "always run the linter before committing",
		Reason:     "recurring review feedback",
	})
	require.NoError(t, err)
	assert.Equal(t, model.ChangeStatusPending, got.Status)
	assert.Equal(t, 3, got.ApprovalsNeeded)
	assert.Equal(t, "unknown", got.ProposedBy)
	assert.Empty(t, got.Approvals)
}

func TestProposeValidation(t *testing.T) {
	w, _ := newTestWorkflow(t, 2)
	ctx := context.Background()
	var verr *model.ValidationError

	_, err := w.Propose(ctx, model.ProposeChangeRequest{ChangeType: "merge", Content: "x", Reason: "r"})
	assert.ErrorAs(t, err, &verr)

	_, err = w.Propose(ctx, model.ProposeChangeRequest{ChangeType: "add", Content: "x"})
	assert.ErrorAs(t, err, &verr)

	_, err = w.Propose(ctx, model.ProposeChangeRequest{ChangeType: "update", Content: "x", Reason: "r"})
	assert.ErrorAs(t, err, &verr, "update needs a target")
}

func TestProposeTargetChecks(t *testing.T) {
	w, applier := newTestWorkflow(t, 2)
	ctx := context.Background()

	_, err := w.Propose(ctx, model.ProposeChangeRequest{
		ChangeType: "remove", TargetID: "missing", Reason: "r",
	})
	assert.ErrorIs(t, err, model.ErrNotFound)

	// A non-identity target is refused.
	require.NoError(t, applier.idx.Upsert(ctx, []model.MemoryItem{{
		ID: "fact-1", ProjectID: "proj-1", Layer: model.LayerFact,
		Content: "a fact", Confidence: 1, IsActive: true,
	}}, nil))
	_, err = w.Propose(ctx, model.ProposeChangeRequest{
		ChangeType: "remove", TargetID: "fact-1", Reason: "r",
	})
	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestApproveBelowQuorum(t *testing.T) {
	w, _ := newTestWorkflow(t, 2)
	ctx := context.Background()

	change, err := w.Propose(ctx, model.ProposeChangeRequest{
		ChangeType: "add", Content: "prefer table tests", Reason: "consistency",
	})
	require.NoError(t, err)

	got, err := w.Approve(ctx, change.ID, model.ApproveChangeRequest{Approver: "alice"})
	require.NoError(t, err)
	assert.Equal(t, model.ChangeStatusPending, got.Status)
	require.Len(t, got.Approvals, 1)
	assert.Equal(t, "alice", got.Approvals[0].Approver)
}

func TestApproveDuplicateVoter(t *testing.T) {
	w, _ := newTestWorkflow(t, 3)
	ctx := context.Background()

	change, err := w.Propose(ctx, model.ProposeChangeRequest{
		ChangeType: "add", Content: "prefer table tests", Reason: "consistency",
	})
	require.NoError(t, err)

	_, err = w.Approve(ctx, change.ID, model.ApproveChangeRequest{Approver: "alice"})
	require.NoError(t, err)
	_, err = w.Approve(ctx, change.ID, model.ApproveChangeRequest{Approver: "alice"})
	assert.ErrorIs(t, err, model.ErrConflict)

	_, err = w.Approve(ctx, change.ID, model.ApproveChangeRequest{Approver: "  "})
	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestQuorumAppliesAdd(t *testing.T) {
	w, applier := newTestWorkflow(t, 2)
	ctx := context.Background()

	change, err := w.Propose(ctx, model.ProposeChangeRequest{
		ChangeType: "add", Content: "never commit secrets", Reason: "security baseline",
		ProposedBy: "alice",
	})
	require.NoError(t, err)

	_, err = w.Approve(ctx, change.ID, model.ApproveChangeRequest{Approver: "bob"})
	require.NoError(t, err)
	got, err := w.Approve(ctx, change.ID, model.ApproveChangeRequest{Approver: "carol"})
	require.NoError(t, err)
	assert.Equal(t, model.ChangeStatusApplied, got.Status)
	require.NotNil(t, got.AppliedAt)

	applier.idx.mu.Lock()
	defer applier.idx.mu.Unlock()
	var found *model.MemoryItem
	for _, it := range applier.idx.items {
		it := it
		if it.Content == "never commit secrets" {
			found = &it
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, model.LayerIdentity, found.Layer)
	assert.Equal(t, "alice", found.CreatedBy)
	assert.Equal(t, change.ID, found.Metadata["change_id"])
	assert.Equal(t, "bob,carol", found.Metadata["approved_by"])
}

func TestQuorumAppliesUpdate(t *testing.T) {
	w, applier := newTestWorkflow(t, 1)
	ctx := context.Background()
	seedIdentityItem(t, applier.idx, "rule-1", "respond in english")

	change, err := w.Propose(ctx, model.ProposeChangeRequest{
		ChangeType: "update", TargetID: "rule-1",
		Content: "respond in the user's language", Reason: "internationalization",
	})
	require.NoError(t, err)

	got, err := w.Approve(ctx, change.ID, model.ApproveChangeRequest{Approver: "alice"})
	require.NoError(t, err)
	assert.Equal(t, model.ChangeStatusApplied, got.Status)

	item, err := applier.idx.RetrieveByID(ctx, "rule-1")
	require.NoError(t, err)
	assert.Equal(t, "respond in the user's language", item.Content)
	assert.True(t, item.IsActive)
}

func TestQuorumAppliesRemove(t *testing.T) {
	w, applier := newTestWorkflow(t, 1)
	ctx := context.Background()
	seedIdentityItem(t, applier.idx, "rule-1", "obsolete rule")

	change, err := w.Propose(ctx, model.ProposeChangeRequest{
		ChangeType: "remove", TargetID: "rule-1", Reason: "superseded",
	})
	require.NoError(t, err)

	got, err := w.Approve(ctx, change.ID, model.ApproveChangeRequest{Approver: "alice"})
	require.NoError(t, err)
	assert.Equal(t, model.ChangeStatusApplied, got.Status)

	item, err := applier.idx.RetrieveByID(ctx, "rule-1")
	require.NoError(t, err)
	assert.False(t, item.IsActive, "remove soft-deletes the target")
}

func TestApplyFailureKeepsPending(t *testing.T) {
	w, applier := newTestWorkflow(t, 2)
	ctx := context.Background()

	change, err := w.Propose(ctx, model.ProposeChangeRequest{
		ChangeType: "add", Content: "pin dependency versions", Reason: "reproducible builds",
	})
	require.NoError(t, err)

	_, err = w.Approve(ctx, change.ID, model.ApproveChangeRequest{Approver: "alice"})
	require.NoError(t, err)

	applier.failNext = true
	_, err = w.Approve(ctx, change.ID, model.ApproveChangeRequest{Approver: "bob"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retryable")

	// The vote survived and a further vote retries the apply.
	got, err := w.Get(ctx, change.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChangeStatusPending, got.Status)
	assert.Len(t, got.Approvals, 2)

	got, err = w.Approve(ctx, change.ID, model.ApproveChangeRequest{Approver: "carol"})
	require.NoError(t, err)
	assert.Equal(t, model.ChangeStatusApplied, got.Status)
}

func TestRejectSettles(t *testing.T) {
	w, _ := newTestWorkflow(t, 2)
	ctx := context.Background()

	change, err := w.Propose(ctx, model.ProposeChangeRequest{
		ChangeType: "add", Content: "always use tabs", Reason: "style",
	})
	require.NoError(t, err)

	got, err := w.Reject(ctx, change.ID, model.RejectChangeRequest{Rejector: "alice", Reason: "contested"})
	require.NoError(t, err)
	assert.Equal(t, model.ChangeStatusRejected, got.Status)

	_, err = w.Approve(ctx, change.ID, model.ApproveChangeRequest{Approver: "bob"})
	assert.ErrorIs(t, err, model.ErrConflict)

	_, err = w.Reject(ctx, change.ID, model.RejectChangeRequest{Rejector: "bob"})
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestListByStatus(t *testing.T) {
	w, _ := newTestWorkflow(t, 1)
	ctx := context.Background()

	a, err := w.Propose(ctx, model.ProposeChangeRequest{ChangeType: "add", Content: "rule a", Reason: "r"})
	require.NoError(t, err)
	b, err := w.Propose(ctx, model.ProposeChangeRequest{ChangeType: "add", Content: "rule b", Reason: "r"})
	require.NoError(t, err)

	_, err = w.Approve(ctx, a.ID, model.ApproveChangeRequest{Approver: "alice"})
	require.NoError(t, err)

	pending, err := w.List(ctx, model.ChangeStatusPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)

	all, err := w.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
