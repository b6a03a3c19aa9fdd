package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kioku/internal/approval"
	"github.com/ashita-ai/kioku/internal/auth"
	"github.com/ashita-ai/kioku/internal/checklist"
	"github.com/ashita-ai/kioku/internal/cloudsync"
	"github.com/ashita-ai/kioku/internal/kernel"
	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/opsdocs"
	"github.com/ashita-ai/kioku/internal/ratelimit"
	"github.com/ashita-ai/kioku/internal/refine"
)

// Refiner compacts search results into a digest. Satisfied by both the
// deterministic masking refiner and the LLM-backed one.
type Refiner interface {
	Refine(ctx context.Context, query string, results []model.SearchResult, maxTokens int) (*refine.Result, error)
}

// Server is the kioku HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and settings for creating a Server.
// Optional fields (nil-safe): Syncer, Refiner, OpsDocs, Limiter, MCPServer.
type Config struct {
	// Required dependencies.
	Kernel    *kernel.Kernel
	Workflow  *approval.Workflow
	Checklist *checklist.Service
	Auth      *auth.Authenticator
	Logger    *slog.Logger

	// Optional dependencies (nil = feature disabled).
	Syncer    *cloudsync.Syncer
	Refiner   Refiner
	OpsDocs   *opsdocs.Library
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Addr                string
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	IndexMode           string
	MaxRequestBodyBytes int64
}

// New creates an HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := &handlers{
		kernel:    cfg.Kernel,
		workflow:  cfg.Workflow,
		checklist: cfg.Checklist,
		syncer:    cfg.Syncer,
		refiner:   cfg.Refiner,
		opsdocs:   cfg.OpsDocs,
		logger:    cfg.Logger,
		version:   cfg.Version,
		indexMode: cfg.IndexMode,
		maxBody:   cfg.MaxRequestBodyBytes,
		started:   time.Now(),
	}

	mux := http.NewServeMux()

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.handleHealth)

	// Memories.
	mux.HandleFunc("POST /v1/memories", h.handleAddMemory)
	mux.HandleFunc("GET /v1/memories/search", h.handleSearchMemory)
	mux.HandleFunc("DELETE /v1/memories/{id}", h.handleDeleteMemory)
	mux.HandleFunc("PATCH /v1/memories/{id}/status", h.handleMemoryStatus)

	// Constitution and identity changes.
	mux.HandleFunc("GET /v1/constitution", h.handleGetConstitution)
	mux.HandleFunc("POST /v1/constitution/changes", h.handleProposeChange)
	mux.HandleFunc("GET /v1/constitution/changes", h.handleListChanges)
	mux.HandleFunc("GET /v1/constitution/changes/{id}", h.handleGetChange)
	mux.HandleFunc("POST /v1/constitution/changes/{id}/approve", h.handleApproveChange)
	mux.HandleFunc("POST /v1/constitution/changes/{id}/reject", h.handleRejectChange)

	// Pending approval queue.
	mux.HandleFunc("GET /v1/pending", h.handleListPending)
	mux.HandleFunc("GET /v1/pending/stats", h.handlePendingStats)
	mux.HandleFunc("GET /v1/pending/{id}", h.handleGetPending)
	mux.HandleFunc("POST /v1/pending/{id}/approve", h.handleApprovePending)
	mux.HandleFunc("POST /v1/pending/{id}/reject", h.handleRejectPending)

	// Event log.
	mux.HandleFunc("POST /v1/events", h.handleLogEvent)
	mux.HandleFunc("GET /v1/events/search", h.handleSearchEvents)
	mux.HandleFunc("POST /v1/events/{id}/promote", h.handlePromoteEvent)

	// Stats and cloud sync.
	mux.HandleFunc("GET /v1/stats", h.handleStats)
	mux.HandleFunc("POST /v1/sync/push", h.handleSyncPush)
	mux.HandleFunc("POST /v1/sync/pull", h.handleSyncPull)

	// Checklist.
	mux.HandleFunc("GET /v1/checklist/briefing", h.handleChecklistBriefing)
	mux.HandleFunc("POST /v1/checklist", h.handleCreateChecklist)
	mux.HandleFunc("POST /v1/checklist/sync-plan", h.handleSyncPlan)

	// Context refinement and operational docs.
	mux.HandleFunc("POST /v1/refine", h.handleRefine)
	mux.HandleFunc("GET /v1/operations/search", h.handleSearchOperations)

	// MCP StreamableHTTP transport shares the auth middleware.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Middleware chain, outermost executes first:
	// recovery → request ID → logging → tracing → rate limit → auth.
	var handler http.Handler = mux
	handler = authMiddleware(cfg.Auth, handler)
	handler = skipForHealth(ratelimit.Middleware(cfg.Limiter, ratelimit.ClientKeyFunc, reqIDFunc), handler)
	handler = tracingMiddleware(handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = requestIDMiddleware(handler)
	handler = recoveryMiddleware(cfg.Logger, handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// skipForHealth exempts the health probe from a middleware. Monitoring
// scrapes must never drain a client's rate budget.
func skipForHealth(mw func(http.Handler) http.Handler, next http.Handler) http.Handler {
	wrapped := mw(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		wrapped.ServeHTTP(w, r)
	})
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
