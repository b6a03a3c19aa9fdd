package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/kioku/internal/approval"
	"github.com/ashita-ai/kioku/internal/checklist"
	"github.com/ashita-ai/kioku/internal/cloudsync"
	"github.com/ashita-ai/kioku/internal/kernel"
	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/opsdocs"
)

// handlers holds the service dependencies behind the HTTP routes.
type handlers struct {
	kernel    *kernel.Kernel
	workflow  *approval.Workflow
	checklist *checklist.Service
	syncer    *cloudsync.Syncer
	refiner   Refiner
	opsdocs   *opsdocs.Library
	logger    *slog.Logger
	version   string
	indexMode string
	maxBody   int64
	started   time.Time

	health healthCache
}

// --- Memories ---

func (h *handlers) handleAddMemory(w http.ResponseWriter, r *http.Request) {
	var req model.AddMemoryRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	res, err := h.kernel.AddMemory(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, res)
}

func (h *handlers) handleSearchMemory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := model.SearchMemoryRequest{
		Query:               q.Get("query"),
		Layer:               q.Get("layer"),
		Category:            q.Get("category"),
		AgentID:             q.Get("agent_id"),
		IncludeConstitution: q.Get("include_constitution") == "true",
		Limit:               queryInt(q.Get("limit")),
	}
	if v := q.Get("min_score"); v != "" {
		score, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "min_score must be a number")
			return
		}
		req.MinScore = &score
	}
	results, err := h.kernel.SearchMemory(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeList(w, r, results, len(results), req.Limit)
}

func (h *handlers) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	var req model.DeleteMemoryRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if !model.DeleteConfirmed(req.Confirm) {
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput,
			`deletion requires the confirmation phrase "确认删除" or "confirm delete"`)
		return
	}
	if err := h.kernel.DeleteMemory(r.Context(), r.PathValue("id"), req.Hard); err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"id": r.PathValue("id"), "status": "deleted"})
}

func (h *handlers) handleMemoryStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.Active == nil {
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput, "active is required")
		return
	}
	if err := h.kernel.UpdateMemoryStatus(r.Context(), r.PathValue("id"), *req.Active); err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"id": r.PathValue("id"), "active": *req.Active})
}

// --- Constitution ---

func (h *handlers) handleGetConstitution(w http.ResponseWriter, r *http.Request) {
	con, err := h.kernel.GetConstitution(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, con)
}

func (h *handlers) handleProposeChange(w http.ResponseWriter, r *http.Request) {
	var req model.ProposeChangeRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	change, err := h.workflow.Propose(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, change)
}

func (h *handlers) handleListChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(q.Get("limit"))
	changes, err := h.workflow.List(r.Context(), model.ChangeStatus(q.Get("status")), limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeList(w, r, changes, len(changes), limit)
}

func (h *handlers) handleGetChange(w http.ResponseWriter, r *http.Request) {
	change, err := h.workflow.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, change)
}

func (h *handlers) handleApproveChange(w http.ResponseWriter, r *http.Request) {
	var req model.ApproveChangeRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	change, err := h.workflow.Approve(r.Context(), r.PathValue("id"), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, change)
}

func (h *handlers) handleRejectChange(w http.ResponseWriter, r *http.Request) {
	var req model.RejectChangeRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	change, err := h.workflow.Reject(r.Context(), r.PathValue("id"), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, change)
}

// --- Pending queue ---

func (h *handlers) handleListPending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(q.Get("limit"))
	items, err := h.kernel.ListPending(r.Context(), model.PendingStatus(q.Get("status")), limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeList(w, r, items, len(items), limit)
}

func (h *handlers) handlePendingStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.kernel.PendingStats(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

func (h *handlers) handleGetPending(w http.ResponseWriter, r *http.Request) {
	item, err := h.kernel.GetPending(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, item)
}

func (h *handlers) handleApprovePending(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approver string `json:"approver,omitempty"`
	}
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	item, err := h.kernel.ApprovePending(r.Context(), r.PathValue("id"), req.Approver)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, item)
}

func (h *handlers) handleRejectPending(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if err := h.kernel.RejectPending(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"id": r.PathValue("id"), "status": "rejected"})
}

// --- Events ---

func (h *handlers) handleLogEvent(w http.ResponseWriter, r *http.Request) {
	var req model.LogEventRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	res, err := h.kernel.LogEvent(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, res)
}

func (h *handlers) handleSearchEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := model.SearchEventsRequest{
		Query:   q.Get("query"),
		Where:   q.Get("where"),
		AgentID: q.Get("agent_id"),
		Limit:   queryInt(q.Get("limit")),
	}
	if who := q.Get("who"); who != "" {
		req.Who = []string{who}
	}
	for name, dst := range map[string]**time.Time{"from": &req.From, "to": &req.To} {
		if v := q.Get(name); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, name+" must be RFC 3339")
				return
			}
			*dst = &ts
		}
	}
	results, err := h.kernel.SearchEvents(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeList(w, r, results, len(results), req.Limit)
}

func (h *handlers) handlePromoteEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	res, err := h.kernel.PromoteEventToFact(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// --- Stats ---

func (h *handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.kernel.Stats(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

func queryInt(v string) int {
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
