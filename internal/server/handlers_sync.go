package server

import (
	"net/http"

	"github.com/ashita-ai/kioku/internal/cloudsync"
	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/refine"
)

// --- Cloud sync ---

func (h *handlers) handleSyncPush(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput,
			"cloud sync is not configured")
		return
	}
	report, err := h.syncer.Push(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

func (h *handlers) handleSyncPull(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput,
			"cloud sync is not configured")
		return
	}
	var req struct {
		Strategy string `json:"strategy,omitempty"`
	}
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	report, err := h.syncer.Pull(r.Context(), cloudsync.Strategy(req.Strategy))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// --- Checklist ---

func (h *handlers) handleChecklistBriefing(w http.ResponseWriter, r *http.Request) {
	briefing, err := h.checklist.Briefing(r.Context(), queryInt(r.URL.Query().Get("limit")))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"briefing": briefing})
}

func (h *handlers) handleCreateChecklist(w http.ResponseWriter, r *http.Request) {
	var req model.CreateChecklistRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	item, err := h.checklist.Create(r.Context(), model.ChecklistItem{
		Content:       req.Content,
		Priority:      req.Priority,
		Scope:         model.ChecklistScope(req.Scope),
		Tags:          req.Tags,
		SourceSession: req.SessionID,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, item)
}

func (h *handlers) handleSyncPlan(w http.ResponseWriter, r *http.Request) {
	var req model.SyncPlanRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.Plan == "" {
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput, "plan is required")
		return
	}
	report, err := h.checklist.SyncPlan(r.Context(), req.Plan, req.SessionID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.SyncPlanResult{
		Updated: len(report.Updated),
		Created: len(report.Created),
		Skipped: len(report.Skipped),
	})
}

// --- Context refinement ---

func (h *handlers) handleRefine(w http.ResponseWriter, r *http.Request) {
	var req model.RefineRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	res, err := h.refineMemories(r, req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// refineMemories runs a search and compacts the hits into a digest.
func (h *handlers) refineMemories(r *http.Request, req model.RefineRequest) (*model.RefineResult, error) {
	results, err := h.kernel.SearchMemory(r.Context(), model.SearchMemoryRequest{
		Query:   req.Query,
		Layer:   req.Layer,
		AgentID: req.AgentID,
		Limit:   req.Limit,
	})
	if err != nil {
		return nil, err
	}

	refiner := h.refiner
	if refiner == nil {
		refiner = refine.New(0)
	}
	out, err := refiner.Refine(r.Context(), req.Query, results, req.MaxTokens)
	if err != nil {
		return nil, err
	}

	compressed := out.OriginalCount - refine.DefaultKeepRecent
	if compressed < 0 {
		compressed = 0
	}
	return &model.RefineResult{
		Text:       out.Content,
		Used:       out.OriginalCount,
		Compressed: compressed,
		Tokens:     out.RefinedTokens,
	}, nil
}

// --- Operational docs ---

func (h *handlers) handleSearchOperations(w http.ResponseWriter, r *http.Request) {
	if h.opsdocs == nil {
		writeList(w, r, []model.OpsDocHit{}, 0, 0)
		return
	}
	q := r.URL.Query()
	limit := queryInt(q.Get("limit"))
	matches, err := h.opsdocs.Search(q.Get("query"), limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	hits := make([]model.OpsDocHit, 0, len(matches))
	for _, m := range matches {
		hits = append(hits, model.OpsDocHit{
			Name:    m.Doc.Name,
			Title:   m.Doc.Title,
			Score:   m.Score,
			Snippet: m.Snippet,
			Tags:    m.Doc.Tags,
		})
	}
	writeList(w, r, hits, len(hits), limit)
}
