package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashita-ai/kioku/internal/approval"
	"github.com/ashita-ai/kioku/internal/auth"
	"github.com/ashita-ai/kioku/internal/cache"
	"github.com/ashita-ai/kioku/internal/checklist"
	"github.com/ashita-ai/kioku/internal/cloudsync"
	"github.com/ashita-ai/kioku/internal/config"
	"github.com/ashita-ai/kioku/internal/embedding"
	"github.com/ashita-ai/kioku/internal/index"
	"github.com/ashita-ai/kioku/internal/kernel"
	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/ratelimit"
	"github.com/ashita-ai/kioku/internal/server"
	"github.com/ashita-ai/kioku/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testServer struct {
	handler http.Handler
	kernel  *kernel.Kernel
}

type serverOpts struct {
	apiKey  string
	limiter ratelimit.Limiter
	noSync  bool
}

func newTestServer(t *testing.T, opts serverOpts) *testServer {
	t.Helper()

	cfg := config.Config{
		ProjectID:            "proj-1",
		DataDir:              t.TempDir(),
		VectorSize:           64,
		MaxConstitutionItems: 20,
		MinSearchScore:       0.3,
		SessionExpire:        time.Hour,
		ApprovalThreshold:    0.9,
		PendingFloor:         0.7,
	}

	idx, err := index.NewEmbedded(cfg.DataDir, "memories", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	require.NoError(t, idx.EnsureCollection(t.Context(), cfg.VectorSize))

	db, err := store.Open(filepath.Join(cfg.DataDir, "kioku.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	c := cache.New(time.Hour, 100)
	t.Cleanup(c.Close)

	provider := embedding.NewHashProvider(cfg.VectorSize)
	k := kernel.New(cfg, provider, idx, db, c, nil, nil, nil)

	var syncer *cloudsync.Syncer
	if !opts.noSync {
		syncer = cloudsync.New(idx, provider, cloudsync.NewMemoryBackend(), cfg.ProjectID, "", nil)
	}

	srv := server.New(server.Config{
		Kernel:    k,
		Workflow:  approval.New(db, k, cfg.ProjectID, 2, nil),
		Checklist: checklist.New(db, cfg.ProjectID, nil),
		Auth:      auth.New(opts.apiKey, ""),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Syncer:    syncer,
		Limiter:   opts.limiter,
		Version:   "test",
		IndexMode: "embedded",
	})
	return &testServer{handler: srv.Handler(), kernel: k}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, r)
	return w
}

// decodeData unmarshals the `data` field of the response envelope.
func decodeData(t *testing.T, w *httptest.ResponseRecorder, target any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, target))
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	return envelope.Error.Code
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, serverOpts{})

	w := ts.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp model.HealthResponse
	decodeData(t, w, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, "proj-1", resp.ProjectID)
	assert.Equal(t, "embedded", resp.IndexMode)
	assert.Equal(t, "hash", resp.Provider)

	// Second call inside the TTL serves the cached snapshot.
	w = ts.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestAddAndSearchMemory(t *testing.T) {
	ts := newTestServer(t, serverOpts{})

	w := ts.do(t, "POST", "/v1/memories", model.AddMemoryRequest{
		Content: "项目使用 PostgreSQL 16 作为主数据库",
		Layer:   "verified_fact",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var added model.AddResult
	decodeData(t, w, &added)
	require.Equal(t, model.AddSaved, added.Status)
	require.NotNil(t, added.ID)

	w = ts.do(t, "GET", "/v1/memories/search?query="+
		"%E9%A1%B9%E7%9B%AE%E4%BD%BF%E7%94%A8%20PostgreSQL%2016%20%E4%BD%9C%E4%B8%BA%E4%B8%BB%E6%95%B0%E6%8D%AE%E5%BA%93", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var results []model.SearchResult
	decodeData(t, w, &results)
	require.NotEmpty(t, results)
	assert.Equal(t, *added.ID, results[0].Item.ID)
}

func TestAddMemoryIdentityLayerForbidden(t *testing.T) {
	ts := newTestServer(t, serverOpts{})

	w := ts.do(t, "POST", "/v1/memories", model.AddMemoryRequest{
		Content: "never force push",
		Layer:   "identity_schema",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, model.ErrCodeForbidden, errorCode(t, w))
}

func TestAddMemoryValidation(t *testing.T) {
	ts := newTestServer(t, serverOpts{})

	w := ts.do(t, "POST", "/v1/memories", model.AddMemoryRequest{Layer: "verified_fact"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, model.ErrCodeInvalidInput, errorCode(t, w))

	r := httptest.NewRequest("POST", "/v1/memories", bytes.NewBufferString("{not json"))
	w2 := httptest.NewRecorder()
	ts.handler.ServeHTTP(w2, r)
	assert.Equal(t, http.StatusBadRequest, w2.Code)
}

func TestDeleteMemoryRequiresConfirmation(t *testing.T) {
	ts := newTestServer(t, serverOpts{})

	w := ts.do(t, "POST", "/v1/memories", model.AddMemoryRequest{
		Content: "disposable note",
		Layer:   "verified_fact",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var added model.AddResult
	decodeData(t, w, &added)

	path := "/v1/memories/" + *added.ID
	w = ts.do(t, "DELETE", path, model.DeleteMemoryRequest{Confirm: "yes please"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = ts.do(t, "DELETE", path, model.DeleteMemoryRequest{Confirm: "confirm delete"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, "DELETE", path, model.DeleteMemoryRequest{Confirm: "确认删除", Hard: true})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMemoryStatusPatch(t *testing.T) {
	ts := newTestServer(t, serverOpts{})

	w := ts.do(t, "POST", "/v1/memories", model.AddMemoryRequest{
		Content: "toggle me",
		Layer:   "verified_fact",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var added model.AddResult
	decodeData(t, w, &added)

	active := false
	w = ts.do(t, "PATCH", "/v1/memories/"+*added.ID+"/status", map[string]any{"active": active})
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, "PATCH", "/v1/memories/"+*added.ID+"/status", map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestConstitutionChangeFlow(t *testing.T) {
	ts := newTestServer(t, serverOpts{})

	w := ts.do(t, "POST", "/v1/constitution/changes", model.ProposeChangeRequest{
		ChangeType: "add",
		Content:    "总是先写测试",
		Reason:     "team agreement",
		ProposedBy: "alice",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var change model.IdentityChange
	decodeData(t, w, &change)
	require.Equal(t, model.ChangeStatusPending, change.Status)

	approve := func(who string) *httptest.ResponseRecorder {
		return ts.do(t, "POST", "/v1/constitution/changes/"+change.ID+"/approve",
			model.ApproveChangeRequest{Approver: who})
	}

	w = approve("bob")
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &change)
	assert.Equal(t, model.ChangeStatusPending, change.Status)

	// Same voter twice is a conflict.
	w = approve("bob")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = approve("carol")
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &change)
	assert.Equal(t, model.ChangeStatusApplied, change.Status)

	// The new rule is now part of the constitution.
	w = ts.do(t, "GET", "/v1/constitution", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var con model.Constitution
	decodeData(t, w, &con)
	found := false
	for _, item := range con.Items {
		if item.Content == "总是先写测试" {
			found = true
		}
	}
	assert.True(t, found)

	// Settled proposals reject further votes.
	w = approve("dave")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, "GET", "/v1/constitution/changes?status=applied", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, "GET", "/v1/constitution/changes/"+change.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, "GET", "/v1/constitution/changes/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRejectChange(t *testing.T) {
	ts := newTestServer(t, serverOpts{})

	w := ts.do(t, "POST", "/v1/constitution/changes", model.ProposeChangeRequest{
		ChangeType: "add",
		Content:    "short-lived rule",
		Reason:     "testing",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var change model.IdentityChange
	decodeData(t, w, &change)

	w = ts.do(t, "POST", "/v1/constitution/changes/"+change.ID+"/reject",
		model.RejectChangeRequest{Rejector: "alice", Reason: "not needed"})
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &change)
	assert.Equal(t, model.ChangeStatusRejected, change.Status)
}

func TestPendingQueueFlow(t *testing.T) {
	ts := newTestServer(t, serverOpts{})

	conf := 0.8
	w := ts.do(t, "POST", "/v1/memories", model.AddMemoryRequest{
		Content:    "用户偏好深色主题",
		Layer:      "verified_fact",
		Source:     "ai_extraction",
		Confidence: &conf,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var added model.AddResult
	decodeData(t, w, &added)
	require.Equal(t, model.AddPending, added.Status)
	require.NotEmpty(t, added.PendingID)

	w = ts.do(t, "GET", "/v1/pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Data  []model.PendingMemory `json:"data"`
		Total int                   `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)

	w = ts.do(t, "GET", "/v1/pending/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats model.PendingStats
	decodeData(t, w, &stats)
	assert.Equal(t, 1, stats.Pending)

	w = ts.do(t, "GET", "/v1/pending/"+added.PendingID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, "POST", "/v1/pending/"+added.PendingID+"/approve",
		map[string]string{"approver": "reviewer"})
	require.Equal(t, http.StatusOK, w.Code)
	var item model.MemoryItem
	decodeData(t, w, &item)
	assert.Equal(t, "用户偏好深色主题", item.Content)

	// Approved entries leave the queue.
	w = ts.do(t, "POST", "/v1/pending/"+added.PendingID+"/approve",
		map[string]string{"approver": "reviewer"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRejectPending(t *testing.T) {
	ts := newTestServer(t, serverOpts{})

	conf := 0.8
	w := ts.do(t, "POST", "/v1/memories", model.AddMemoryRequest{
		Content:    "dubious extraction",
		Layer:      "verified_fact",
		Source:     "ai_extraction",
		Confidence: &conf,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var added model.AddResult
	decodeData(t, w, &added)

	w = ts.do(t, "POST", "/v1/pending/"+added.PendingID+"/reject",
		map[string]string{"reason": "hallucinated"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEventFlow(t *testing.T) {
	ts := newTestServer(t, serverOpts{})

	w := ts.do(t, "POST", "/v1/events", model.LogEventRequest{
		Content: "部署了 v2.3.0 到生产环境",
		Where:   "生产环境",
		Who:     []string{"张三"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var event model.EventResult
	decodeData(t, w, &event)
	require.NotEmpty(t, event.ID)
	assert.Equal(t, model.LayerEventLog, event.Layer)

	w = ts.do(t, "GET", "/v1/events/search?query=%E9%83%A8%E7%BD%B2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var results []model.SearchResult
	decodeData(t, w, &results)
	require.NotEmpty(t, results)

	w = ts.do(t, "POST", "/v1/events/"+event.ID+"/promote",
		map[string]string{"reason": "confirmed by ops"})
	require.Equal(t, http.StatusOK, w.Code)
	var promoted model.PromoteResult
	decodeData(t, w, &promoted)
	assert.NotEmpty(t, promoted.FactID)
	assert.Equal(t, event.ID, promoted.EventID)

	w = ts.do(t, "POST", "/v1/events/no-such-event/promote", map[string]string{})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, "GET", "/v1/events/search?query=x&from=not-a-time", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStats(t *testing.T) {
	ts := newTestServer(t, serverOpts{})

	w := ts.do(t, "POST", "/v1/memories", model.AddMemoryRequest{
		Content: "one fact",
		Layer:   "verified_fact",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = ts.do(t, "GET", "/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats model.Stats
	decodeData(t, w, &stats)
	assert.Equal(t, "proj-1", stats.ProjectID)
	assert.Equal(t, uint64(1), stats.ByLayer[model.LayerFact])
}

func TestSyncPushPull(t *testing.T) {
	ts := newTestServer(t, serverOpts{})

	w := ts.do(t, "POST", "/v1/memories", model.AddMemoryRequest{
		Content: "fact to sync",
		Layer:   "verified_fact",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = ts.do(t, "POST", "/v1/sync/push", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report model.SyncReport
	decodeData(t, w, &report)
	assert.Equal(t, 1, report.Pushed)

	w = ts.do(t, "POST", "/v1/sync/pull", map[string]string{"strategy": "lww"})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, "POST", "/v1/sync/pull", map[string]string{"strategy": "bogus"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestSyncUnconfigured(t *testing.T) {
	ts := newTestServer(t, serverOpts{noSync: true})

	w := ts.do(t, "POST", "/v1/sync/push", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, model.ErrCodeInvalidInput, errorCode(t, w))
}

func TestChecklistEndpoints(t *testing.T) {
	ts := newTestServer(t, serverOpts{})

	w := ts.do(t, "POST", "/v1/checklist", model.CreateChecklistRequest{
		Content:  "补齐部署文档",
		Priority: 1,
		Tags:     []string{"docs"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var item model.ChecklistItem
	decodeData(t, w, &item)
	require.NotEmpty(t, item.ID)

	w = ts.do(t, "GET", "/v1/checklist/briefing", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var briefing map[string]string
	decodeData(t, w, &briefing)
	assert.Contains(t, briefing["briefing"], "补齐部署文档")
	assert.Contains(t, briefing["briefing"], "(ma:"+item.ShortRef()+")")

	plan := fmt.Sprintf("- [x] 补齐部署文档 (ma:%s)\n- [x] 新增任务 @persist", item.ShortRef())
	w = ts.do(t, "POST", "/v1/checklist/sync-plan", model.SyncPlanRequest{Plan: plan, SessionID: "s-1"})
	require.Equal(t, http.StatusOK, w.Code)
	var result model.SyncPlanResult
	decodeData(t, w, &result)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 1, result.Created)

	w = ts.do(t, "POST", "/v1/checklist/sync-plan", model.SyncPlanRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestRefine(t *testing.T) {
	ts := newTestServer(t, serverOpts{})

	for i := 0; i < 5; i++ {
		w := ts.do(t, "POST", "/v1/memories", model.AddMemoryRequest{
			Content: fmt.Sprintf("数据库迁移步骤 %d: 执行脚本并验证", i),
			Layer:   "verified_fact",
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := ts.do(t, "POST", "/v1/refine", model.RefineRequest{
		Query:     "数据库迁移步骤",
		MaxTokens: 300,
	})
	require.Equal(t, http.StatusOK, w.Code)
	var res model.RefineResult
	decodeData(t, w, &res)
	assert.NotEmpty(t, res.Text)
	assert.Positive(t, res.Used)
	assert.LessOrEqual(t, res.Tokens, 300)
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, serverOpts{apiKey: "sekret"})

	// Health stays open.
	w := ts.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, "GET", "/v1/stats", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, model.ErrCodeUnauthorized, errorCode(t, w))

	r := httptest.NewRequest("GET", "/v1/stats", nil)
	r.Header.Set("Authorization", "Bearer sekret")
	w2 := httptest.NewRecorder()
	ts.handler.ServeHTTP(w2, r)
	assert.Equal(t, http.StatusOK, w2.Code)
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 2)
	defer func() { _ = limiter.Close() }()
	ts := newTestServer(t, serverOpts{limiter: limiter})

	for i := 0; i < 2; i++ {
		w := ts.do(t, "GET", "/v1/stats", nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := ts.do(t, "GET", "/v1/stats", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Health is exempt from the limiter.
	w = ts.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t, serverOpts{})
	w := ts.do(t, "GET", "/v1/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
