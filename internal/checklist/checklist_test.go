package checklist

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "kioku.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return New(db, "proj-1", nil)
}

func TestCreateDefaults(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	got, err := svc.Create(ctx, model.ChecklistItem{Content: "write release notes"})
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "proj-1", got.ProjectID)
	assert.Equal(t, model.ChecklistOpen, got.Status)
	assert.Equal(t, model.ScopeProject, got.Scope)
	assert.Equal(t, 3, got.Priority)

	_, err = svc.Create(ctx, model.ChecklistItem{Content: ""})
	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestBriefingGroupsByPriority(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, model.ChecklistItem{Content: "fix prod outage", Priority: 1})
	require.NoError(t, err)
	_, err = svc.Create(ctx, model.ChecklistItem{Content: "refactor config", Priority: 3, Tags: []string{"cleanup"}})
	require.NoError(t, err)
	done, err := svc.Create(ctx, model.ChecklistItem{Content: "done already", Priority: 1})
	require.NoError(t, err)
	require.NoError(t, svc.SetStatus(ctx, done.ID, model.ChecklistDone))

	md, err := svc.Briefing(ctx, 0)
	require.NoError(t, err)
	assert.Contains(t, md, "📋 **清单简报**")
	assert.Contains(t, md, "### 🔴 紧急")
	assert.Contains(t, md, "### 🟡 普通")
	assert.Contains(t, md, "- [ ] fix prod outage (ma:")
	assert.Contains(t, md, "`cleanup`")
	assert.NotContains(t, md, "done already", "done items stay out of the briefing")

	assert.Less(t, strings.Index(md, "紧急"), strings.Index(md, "普通"), "urgent section first")
}

func TestBriefingEmpty(t *testing.T) {
	svc := newTestService(t)
	md, err := svc.Briefing(context.Background(), 5)
	require.NoError(t, err)
	assert.Contains(t, md, "当前没有待办清单项")
}

func TestSyncPlanMarksReferencedItemsDone(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	item, err := svc.Create(ctx, model.ChecklistItem{Content: "rotate keys"})
	require.NoError(t, err)
	ref := item.ShortRef()

	plan := "# Plan\n" +
		"- [x] rotate keys (ma:" + ref + ")\n" +
		"- [ ] still open (ma:" + ref + ")\n" + // unchecked: no update
		"- [X] unknown ref (ma:00000000)\n"

	report, err := svc.SyncPlan(ctx, plan, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, []string{ref}, report.Updated)
	assert.Equal(t, []string{"00000000"}, report.Skipped)
	assert.Empty(t, report.Created)

	got, err := svc.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChecklistDone, got.Status)
}

func TestSyncPlanCreatesPersistItems(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	plan := "- [x] document the rollout steps @persist\n" +
		"- [x] transient task without tag\n" +
		"- [ ] unchecked @persist task\n"

	report, err := svc.SyncPlan(ctx, plan, "sess-9")
	require.NoError(t, err)
	require.Len(t, report.Created, 1)

	got, err := svc.Get(ctx, report.Created[0])
	require.NoError(t, err)
	assert.Equal(t, "document the rollout steps", got.Content)
	assert.Equal(t, model.ChecklistDone, got.Status)
	assert.Equal(t, []string{"from-plan", "sess-9"}, got.Tags)
}

func TestSyncPlanIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	item, err := svc.Create(ctx, model.ChecklistItem{Content: "ship it"})
	require.NoError(t, err)
	plan := "- [x] ship it (ma:" + item.ShortRef() + ")\n"

	for i := 0; i < 2; i++ {
		report, err := svc.SyncPlan(ctx, plan, "sess")
		require.NoError(t, err)
		assert.Equal(t, []string{item.ShortRef()}, report.Updated, "run %d", i)
	}
}
