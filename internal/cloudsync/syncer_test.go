package cloudsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashita-ai/kioku/internal/embedding"
	"github.com/ashita-ai/kioku/internal/index"
	"github.com/ashita-ai/kioku/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// syncIndex is the minimal index surface the syncer touches.
type syncIndex struct {
	mu    sync.Mutex
	items map[string]model.MemoryItem
}

func newSyncIndex() *syncIndex {
	return &syncIndex{items: make(map[string]model.MemoryItem)}
}

func (m *syncIndex) EnsureCollection(context.Context, int) error { return nil }

func (m *syncIndex) Upsert(_ context.Context, items []model.MemoryItem, _ []pgvector.Vector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		m.items[it.ID] = it
	}
	return nil
}

func (m *syncIndex) Query(context.Context, pgvector.Vector, index.Filter, int) ([]model.SearchResult, error) {
	return nil, nil
}

func (m *syncIndex) Scroll(_ context.Context, f index.Filter, limit int) ([]model.MemoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.MemoryItem
	for _, it := range m.items {
		if !it.IsActive {
			continue
		}
		if f.Layer != "" && it.Layer != f.Layer {
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *syncIndex) RetrieveByID(_ context.Context, id string) (*model.MemoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("sync index: %s: %w", id, model.ErrNotFound)
	}
	return &it, nil
}

func (m *syncIndex) SetPayload(context.Context, string, map[string]any) error { return nil }

func (m *syncIndex) Delete(_ context.Context, ids []string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.items, id)
	}
	return nil
}

func (m *syncIndex) Count(context.Context, index.Filter) (uint64, error) { return 0, nil }
func (m *syncIndex) Healthy(context.Context) error                      { return nil }
func (m *syncIndex) Close() error                                       { return nil }

func newTestSyncer(t *testing.T, passphrase string) (*Syncer, *syncIndex, *MemoryBackend) {
	t.Helper()
	idx := newSyncIndex()
	backend := NewMemoryBackend()
	s := New(idx, embedding.NewHashProvider(32), backend, "proj-1", passphrase, nil)
	return s, idx, backend
}

func seedItem(t *testing.T, idx *syncIndex, id string, layer model.Layer, content string, updated time.Time) {
	t.Helper()
	require.NoError(t, idx.Upsert(context.Background(), []model.MemoryItem{{
		ID: id, ProjectID: "proj-1", Layer: layer, Content: content,
		Confidence: 1, IsActive: true,
		CreatedAt: updated, UpdatedAt: updated,
	}}, nil))
}

func TestPushPlaintext(t *testing.T) {
	s, idx, backend := newTestSyncer(t, "")
	ctx := context.Background()
	now := time.Now().UTC()
	seedItem(t, idx, "11111111-1111-1111-1111-111111111111", model.LayerFact, "fact one", now)
	seedItem(t, idx, "22222222-2222-2222-2222-222222222222", model.LayerEventLog, "event one", now)
	seedItem(t, idx, "33333333-3333-3333-3333-333333333333", model.LayerIdentity, "rule one", now)

	report, err := s.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Pushed)

	manData, err := backend.Download(ctx, "manifest.json")
	require.NoError(t, err)
	var manifest Manifest
	require.NoError(t, json.Unmarshal(manData, &manifest))
	assert.False(t, manifest.Encrypted)
	assert.Empty(t, manifest.Salt)
	assert.Equal(t, "proj-1", manifest.ProjectID)
	require.Len(t, manifest.Objects, 2)
	assert.Equal(t, "memories.jsonl", manifest.Objects[0].Name)
	assert.Equal(t, "constitution.json", manifest.Objects[1].Name)
	assert.Equal(t, 2, manifest.Objects[0].Count)
	assert.Equal(t, 1, manifest.Objects[1].Count)

	for _, obj := range manifest.Objects {
		data, err := backend.Download(ctx, obj.Name)
		require.NoError(t, err)
		sum := sha256.Sum256(data)
		assert.Equal(t, obj.SHA256, hex.EncodeToString(sum[:]))
		assert.Equal(t, obj.Size, len(data))
	}
}

func TestPushEncrypted(t *testing.T) {
	s, idx, backend := newTestSyncer(t, "hunter2")
	ctx := context.Background()
	seedItem(t, idx, "11111111-1111-1111-1111-111111111111", model.LayerFact, "the secret plan", time.Now().UTC())

	_, err := s.Push(ctx)
	require.NoError(t, err)

	manData, err := backend.Download(ctx, "manifest.json")
	require.NoError(t, err)
	var manifest Manifest
	require.NoError(t, json.Unmarshal(manData, &manifest))
	assert.True(t, manifest.Encrypted)
	assert.NotEmpty(t, manifest.Salt)
	assert.Equal(t, "memories.jsonl.enc", manifest.Objects[0].Name)

	sealed, err := backend.Download(ctx, "memories.jsonl.enc")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "the secret plan")
}

func TestPushPullRoundtrip(t *testing.T) {
	src, srcIdx, backend := newTestSyncer(t, "pass")
	ctx := context.Background()
	now := time.Now().UTC()
	seedItem(t, srcIdx, "11111111-1111-1111-1111-111111111111", model.LayerFact, "ci runs on every push", now)
	seedItem(t, srcIdx, "22222222-2222-2222-2222-222222222222", model.LayerIdentity, "be terse", now)

	_, err := src.Push(ctx)
	require.NoError(t, err)

	dstIdx := newSyncIndex()
	dst := New(dstIdx, embedding.NewHashProvider(32), backend, "proj-1", "pass", nil)
	report, err := dst.Pull(ctx, StrategyLWW)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Pulled)
	assert.Zero(t, report.Conflicts)
	assert.Empty(t, report.Errors)

	got, err := dstIdx.RetrieveByID(ctx, "11111111-1111-1111-1111-111111111111")
	require.NoError(t, err)
	assert.Equal(t, "ci runs on every push", got.Content)
	rule, err := dstIdx.RetrieveByID(ctx, "22222222-2222-2222-2222-222222222222")
	require.NoError(t, err)
	assert.Equal(t, model.LayerIdentity, rule.Layer)
}

func TestPullStrategies(t *testing.T) {
	const id = "11111111-1111-1111-1111-111111111111"
	old := time.Now().UTC().Add(-time.Hour)
	newer := time.Now().UTC()

	push := func(t *testing.T, updated time.Time) *MemoryBackend {
		src, srcIdx, backend := newTestSyncer(t, "")
		seedItem(t, srcIdx, id, model.LayerFact, "incoming version", updated)
		_, err := src.Push(context.Background())
		require.NoError(t, err)
		return backend
	}

	t.Run("lww incoming newer overwrites", func(t *testing.T) {
		backend := push(t, newer)
		dstIdx := newSyncIndex()
		seedItem(t, dstIdx, id, model.LayerFact, "local version", old)
		dst := New(dstIdx, embedding.NewHashProvider(32), backend, "proj-1", "", nil)

		report, err := dst.Pull(context.Background(), StrategyLWW)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Pulled)
		assert.Equal(t, 1, report.Conflicts)
		got, err := dstIdx.RetrieveByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, "incoming version", got.Content)
	})

	t.Run("lww incoming older loses", func(t *testing.T) {
		backend := push(t, old)
		dstIdx := newSyncIndex()
		seedItem(t, dstIdx, id, model.LayerFact, "local version", newer)
		dst := New(dstIdx, embedding.NewHashProvider(32), backend, "proj-1", "", nil)

		report, err := dst.Pull(context.Background(), StrategyLWW)
		require.NoError(t, err)
		assert.Zero(t, report.Pulled)
		assert.Equal(t, 1, report.Conflicts)
		got, err := dstIdx.RetrieveByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, "local version", got.Content)
	})

	t.Run("skip never overwrites", func(t *testing.T) {
		backend := push(t, newer)
		dstIdx := newSyncIndex()
		seedItem(t, dstIdx, id, model.LayerFact, "local version", old)
		dst := New(dstIdx, embedding.NewHashProvider(32), backend, "proj-1", "", nil)

		report, err := dst.Pull(context.Background(), StrategySkip)
		require.NoError(t, err)
		assert.Zero(t, report.Pulled)
		assert.Equal(t, 1, report.Skipped)
		got, err := dstIdx.RetrieveByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, "local version", got.Content)
	})

	t.Run("merge counts conflict and skips", func(t *testing.T) {
		backend := push(t, newer)
		dstIdx := newSyncIndex()
		seedItem(t, dstIdx, id, model.LayerFact, "local version", old)
		dst := New(dstIdx, embedding.NewHashProvider(32), backend, "proj-1", "", nil)

		report, err := dst.Pull(context.Background(), StrategyMerge)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Conflicts)
		assert.Equal(t, 1, report.Skipped)
	})

	t.Run("unknown strategy rejected", func(t *testing.T) {
		backend := push(t, newer)
		dst := New(newSyncIndex(), embedding.NewHashProvider(32), backend, "proj-1", "", nil)
		_, err := dst.Pull(context.Background(), "theirs")
		var verr *model.ValidationError
		assert.ErrorAs(t, err, &verr)
	})
}

func TestPullChecksumMismatch(t *testing.T) {
	s, idx, backend := newTestSyncer(t, "")
	ctx := context.Background()
	seedItem(t, idx, "11111111-1111-1111-1111-111111111111", model.LayerFact, "fact", time.Now().UTC())
	_, err := s.Push(ctx)
	require.NoError(t, err)

	require.True(t, backend.Corrupt("memories.jsonl"))

	_, err = s.Pull(ctx, StrategyLWW)
	var cerr *model.ChecksumError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "memories.jsonl", cerr.Object)
}

func TestPushManifestRoot(t *testing.T) {
	s, idx, backend := newTestSyncer(t, "")
	ctx := context.Background()
	now := time.Now().UTC()
	seedItem(t, idx, "11111111-1111-1111-1111-111111111111", model.LayerFact, "fact one", now)
	seedItem(t, idx, "22222222-2222-2222-2222-222222222222", model.LayerIdentity, "rule one", now)

	_, err := s.Push(ctx)
	require.NoError(t, err)

	manData, err := backend.Download(ctx, "manifest.json")
	require.NoError(t, err)
	var first Manifest
	require.NoError(t, json.Unmarshal(manData, &first))
	require.NotEmpty(t, first.Root)

	// Same items, same root, even though the manifest timestamp moved.
	_, err = s.Push(ctx)
	require.NoError(t, err)
	manData, err = backend.Download(ctx, "manifest.json")
	require.NoError(t, err)
	var second Manifest
	require.NoError(t, json.Unmarshal(manData, &second))
	assert.Equal(t, first.Root, second.Root)
}

func TestPullSnapshotRootMismatch(t *testing.T) {
	s, idx, backend := newTestSyncer(t, "")
	ctx := context.Background()
	seedItem(t, idx, "11111111-1111-1111-1111-111111111111", model.LayerFact, "fact", time.Now().UTC())
	_, err := s.Push(ctx)
	require.NoError(t, err)

	// Rewrite the manifest with a bogus root; object checksums still match.
	manData, err := backend.Download(ctx, "manifest.json")
	require.NoError(t, err)
	var manifest Manifest
	require.NoError(t, json.Unmarshal(manData, &manifest))
	manifest.Root = "v1:" + "00" // not any item's root
	manData, err = json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, backend.Upload(ctx, "manifest.json", manData))

	_, err = s.Pull(ctx, StrategyLWW)
	var cerr *model.ChecksumError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "snapshot", cerr.Object)
}

func TestPullWrongPassphrase(t *testing.T) {
	s, idx, backend := newTestSyncer(t, "right")
	ctx := context.Background()
	seedItem(t, idx, "11111111-1111-1111-1111-111111111111", model.LayerFact, "fact", time.Now().UTC())
	_, err := s.Push(ctx)
	require.NoError(t, err)

	dst := New(newSyncIndex(), embedding.NewHashProvider(32), backend, "proj-1", "wrong", nil)
	_, err = dst.Pull(ctx, StrategyLWW)
	assert.ErrorIs(t, err, model.ErrDecrypt)

	bare := New(newSyncIndex(), embedding.NewHashProvider(32), backend, "proj-1", "", nil)
	_, err = bare.Pull(ctx, StrategyLWW)
	assert.ErrorIs(t, err, model.ErrDecrypt)
}

func TestPullMissingManifest(t *testing.T) {
	s, _, _ := newTestSyncer(t, "")
	_, err := s.Pull(context.Background(), StrategyLWW)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPullNormalizesForeignItems(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	// Hand-built snapshot: alias layer name and a non-UUID id.
	line, err := json.Marshal(map[string]any{
		"id": "legacy-7", "project_id": "proj-1", "layer": "fact",
		"content": "exported by an older version", "confidence": 0.9,
		"is_active": true, "updated_at": time.Now().UTC(),
	})
	require.NoError(t, err)
	memData := append(line, '\n')
	sum := sha256.Sum256(memData)
	manifest := Manifest{
		Version: 1, ProjectID: "proj-1", CreatedAt: time.Now().UTC(),
		Objects: []ManifestItem{{Name: "memories.jsonl", Size: len(memData), SHA256: hex.EncodeToString(sum[:]), Count: 1}},
	}
	manData, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, backend.Upload(ctx, "memories.jsonl", memData))
	require.NoError(t, backend.Upload(ctx, "manifest.json", manData))

	idx := newSyncIndex()
	s := New(idx, embedding.NewHashProvider(32), backend, "proj-1", "", nil)
	report, err := s.Pull(ctx, StrategyLWW)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pulled)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	require.Len(t, idx.items, 1)
	for id, it := range idx.items {
		assert.NotEqual(t, "legacy-7", id)
		assert.Equal(t, model.LayerFact, it.Layer)
		assert.Equal(t, "legacy-7", it.Metadata["original_id"])
	}
}

func TestExportFiles(t *testing.T) {
	s, idx, _ := newTestSyncer(t, "")
	ctx := context.Background()
	now := time.Now().UTC()
	seedItem(t, idx, "11111111-1111-1111-1111-111111111111", model.LayerIdentity, "stay factual", now)
	seedItem(t, idx, "22222222-2222-2222-2222-222222222222", model.LayerFact, "builds are reproducible", now)
	seedItem(t, idx, "33333333-3333-3333-3333-333333333333", model.LayerEventLog, "release shipped", now)

	dir := filepath.Join(t.TempDir(), "export")
	require.NoError(t, s.ExportFiles(ctx, dir))

	con, err := os.ReadFile(filepath.Join(dir, "constitution.md"))
	require.NoError(t, err)
	assert.Contains(t, string(con), "stay factual")

	facts, err := os.ReadFile(filepath.Join(dir, "facts.md"))
	require.NoError(t, err)
	assert.Contains(t, string(facts), "builds are reproducible")

	events, err := os.ReadFile(filepath.Join(dir, "events.md"))
	require.NoError(t, err)
	assert.Contains(t, string(events), "release shipped")
	assert.Contains(t, string(events), "# Event Log (proj-1)")
}
