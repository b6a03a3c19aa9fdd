package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kioku/internal/model"
)

// healthTTL bounds how often the health handler probes the index and the
// queue. Monitoring typically scrapes faster than that.
const healthTTL = 5 * time.Second

type healthCache struct {
	group    singleflight.Group
	snapshot atomic.Value // healthSnapshot
}

type healthSnapshot struct {
	resp model.HealthResponse
	at   time.Time
}

// handleHealth serves a cached health snapshot. Concurrent refreshes are
// deduplicated so a probe storm costs one index round trip.
func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	if snap, ok := h.health.snapshot.Load().(healthSnapshot); ok && time.Since(snap.at) < healthTTL {
		writeHealth(w, r, snap.resp)
		return
	}

	v, _, _ := h.health.group.Do("health", func() (any, error) {
		// Detached from the request context: the result is shared with
		// other callers whose requests outlive this one.
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		snap := healthSnapshot{resp: h.buildHealth(ctx), at: time.Now()}
		h.health.snapshot.Store(snap)
		return snap, nil
	})
	writeHealth(w, r, v.(healthSnapshot).resp)
}

func (h *handlers) buildHealth(ctx context.Context) model.HealthResponse {
	resp := model.HealthResponse{
		Status:    "ok",
		Version:   h.version,
		ProjectID: h.kernel.ProjectID(),
		IndexMode: h.indexMode,
		Index:     "ok",
		Provider:  h.kernel.Provider().Name(),
		Uptime:    int64(time.Since(h.started).Seconds()),
	}
	if err := h.kernel.Index().Healthy(ctx); err != nil {
		resp.Status = "degraded"
		resp.Index = err.Error()
	}
	if stats, err := h.kernel.PendingStats(ctx); err == nil {
		resp.Pending = stats.Pending
	}
	return resp
}

func writeHealth(w http.ResponseWriter, r *http.Request, resp model.HealthResponse) {
	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}
