// Package kioku is the public API for embedding the kioku memory server.
//
// Host processes import this package to run the full server, or to use the
// memory kernel in-process without HTTP:
//
//	app, err := kioku.New(ctx,
//	    kioku.WithProjectID("my-project"),
//	    kioku.WithLogger(logger),
//	)
//	if err != nil { ... }
//	defer app.Close()
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kioku (root) imports
// internal/*, but internal/* never imports kioku (root). Public types
// (Memory, AddOutcome, etc.) are standalone structs with no internal
// imports; conversion helpers live here because this is the only file that
// sees both sides of the boundary.
package kioku

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kioku/internal/approval"
	"github.com/ashita-ai/kioku/internal/auth"
	"github.com/ashita-ai/kioku/internal/cache"
	"github.com/ashita-ai/kioku/internal/checklist"
	"github.com/ashita-ai/kioku/internal/cloudsync"
	"github.com/ashita-ai/kioku/internal/config"
	"github.com/ashita-ai/kioku/internal/embedding"
	"github.com/ashita-ai/kioku/internal/index"
	"github.com/ashita-ai/kioku/internal/kernel"
	"github.com/ashita-ai/kioku/internal/mcp"
	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/opsdocs"
	"github.com/ashita-ai/kioku/internal/ratelimit"
	"github.com/ashita-ai/kioku/internal/refine"
	"github.com/ashita-ai/kioku/internal/safety"
	"github.com/ashita-ai/kioku/internal/server"
	"github.com/ashita-ai/kioku/internal/store"
	"github.com/ashita-ai/kioku/internal/telemetry"
)

// App is the kioku server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	kernel       *kernel.Kernel
	workflow     *approval.Workflow
	checklist    *checklist.Service
	syncer       *cloudsync.Syncer // nil when no sync bucket is configured
	mcpSrv       *mcp.Server
	srv          *server.Server
	idx          index.Index
	db           *store.DB
	cache        *cache.Cache
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
	closeOnce    sync.Once
	closeErr     error
}

// New initialises the kioku server. It opens the project stores, wires all
// subsystems, and returns a ready-to-run App. It does NOT start any servers
// or accept connections — call Run() or ServeMCPStdio().
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (defaults, files, env), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.projectID != "" && o.projectID != cfg.ProjectID {
		// Re-derive the data dir only when it still points at the old
		// project's default; an explicit KIOKU_DATA_DIR wins.
		if cfg.DataDir == config.DefaultDataDir(cfg.ProjectID) {
			cfg.DataDir = config.DefaultDataDir(o.projectID)
		}
		cfg.ProjectID = o.projectID
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.indexMode != "" {
		cfg.IndexMode = o.indexMode
	}
	if o.qdrantURL != "" {
		cfg.QdrantURL = o.qdrantURL
		cfg.QdrantAPIKey = o.qdrantAPIKey
	}
	if o.httpAddr != "" {
		cfg.HTTPAddr = o.httpAddr
	}
	if o.apiKey != "" {
		cfg.APIKey = o.apiKey
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger := o.logger
	if logger == nil {
		logger = newLogger(cfg.LogLevel)
	}
	logger.Info("kioku starting",
		"version", version, "project", cfg.ProjectID, "index_mode", cfg.IndexMode)

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	// Initialize OpenTelemetry. Disabled when no endpoint is configured.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version,
		os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true")
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Embedding provider — external override takes priority over auto-detect.
	var provider embedding.Provider
	if o.provider != nil {
		provider = &providerAdapter{p: o.provider}
	} else if provider, err = embedding.NewFromConfig(ctx, cfg, logger); err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("embedding: %w", err)
	}
	logger.Info("embedding provider", "name", provider.Name(), "dims", provider.Dimensions())

	// Vector index. Server mode treats an unreachable Qdrant as fatal;
	// silently falling back to an empty local index would hide the real
	// memory store from every caller.
	var idx index.Index
	if cfg.IndexMode == "server" {
		idx, err = index.NewQdrant(ctx, index.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.CollectionName(),
		}, logger)
	} else {
		idx, err = index.NewEmbedded(filepath.Join(cfg.DataDir, "index"), cfg.CollectionName(), logger)
	}
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("index (%s): %w", cfg.IndexMode, err)
	}
	if err := idx.EnsureCollection(ctx, provider.Dimensions()); err != nil {
		_ = idx.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("index ensure collection: %w", err)
	}

	// Project database: pending queue, identity changes, checklist.
	db, err := store.Open(filepath.Join(cfg.DataDir, "kioku.db"), logger)
	if err != nil {
		_ = idx.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("store: %w", err)
	}

	sf, err := safety.New(safety.DefaultConfig())
	if err != nil {
		_ = db.Close()
		_ = idx.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("safety: %w", err)
	}

	c := cache.New(cfg.SessionExpire, 0)
	k := kernel.New(cfg, provider, idx, db, c, sf, nil, logger)
	wf := approval.New(db, k, cfg.ProjectID, cfg.ApprovalsNeeded, logger)
	cl := checklist.New(db, cfg.ProjectID, logger)
	docs := opsdocs.New(filepath.Join(cfg.DataDir, "operations"), logger)

	// Refiner: deterministic masking by default, LLM-backed when configured.
	// The LLM refiner falls back to masking on any call failure.
	var refiner server.Refiner = refine.New(cfg.RefinerKeepRecent)
	if cfg.LLMBaseURL != "" {
		refiner = refine.NewLLM(refine.New(cfg.RefinerKeepRecent), cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, logger)
		logger.Info("refiner: llm", "model", cfg.LLMModel)
	}

	// Cloud sync is optional; without a bucket the endpoints report it as
	// unconfigured.
	var syncer *cloudsync.Syncer
	if cfg.SyncBucket != "" {
		backend, err := cloudsync.NewS3Backend(ctx, cloudsync.S3Options{
			Bucket:    cfg.SyncBucket,
			Prefix:    cfg.SyncPrefix,
			Endpoint:  cfg.SyncEndpoint,
			Region:    cfg.SyncRegion,
			AccessKey: cfg.SyncAccessKey,
			SecretKey: cfg.SyncSecretKey,
		})
		if err != nil {
			c.Close()
			_ = db.Close()
			_ = idx.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("cloudsync: %w", err)
		}
		syncer = cloudsync.New(idx, provider, backend, cfg.ProjectID, cfg.SyncPassphrase, logger)
		logger.Info("cloud sync: enabled", "bucket", cfg.SyncBucket, "encrypted", cfg.SyncPassphrase != "")
	}

	var limiter ratelimit.Limiter
	if cfg.RateRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateRPS, cfg.RateBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
	}

	mcpSrv := mcp.New(k, wf, cl, refiner, docs, version, logger)

	srv := server.New(server.Config{
		Kernel:              k,
		Workflow:            wf,
		Checklist:           cl,
		Auth:                auth.New(cfg.APIKey, cfg.JWTSecret),
		Logger:              logger,
		Syncer:              syncer,
		Refiner:             refiner,
		OpsDocs:             docs,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Addr:                cfg.HTTPAddr,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		IndexMode:           cfg.IndexMode,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		kernel:       k,
		workflow:     wf,
		checklist:    cl,
		syncer:       syncer,
		mcpSrv:       mcpSrv,
		srv:          srv,
		idx:          idx,
		db:           db,
		cache:        c,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the HTTP server (REST plus the /mcp StreamableHTTP transport)
// and blocks until ctx is cancelled or a fatal server error occurs. On
// cancellation the server drains gracefully; resources stay open until
// Close().
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.srv.Shutdown(shutdownCtx)
}

// ServeMCPStdio serves the MCP protocol on stdin/stdout and blocks until
// the stream closes. The logger must not write to stdout in this mode.
func (a *App) ServeMCPStdio() error {
	return a.mcpSrv.ServeStdio()
}

// Handler returns the root HTTP handler, for mounting kioku inside a larger
// server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Close releases the index, database, cache, and telemetry resources.
// Idempotent.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		a.cache.Close()
		if closer, ok := a.limiter.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
		var errs []error
		if err := a.db.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := a.idx.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := a.otelShutdown(context.Background()); err != nil {
			errs = append(errs, err)
		}
		a.closeErr = errors.Join(errs...)
		a.logger.Info("kioku stopped")
	})
	return a.closeErr
}

// ── in-process API ────────────────────────────────────────────────────────────

// AddMemory validates, screens, and routes one memory write.
func (a *App) AddMemory(ctx context.Context, req AddRequest) (*AddOutcome, error) {
	res, err := a.kernel.AddMemory(ctx, model.AddMemoryRequest{
		Content:          req.Content,
		Layer:            req.Layer,
		Category:         req.Category,
		Confidence:       req.Confidence,
		Source:           req.Source,
		CreatedBy:        req.CreatedBy,
		AgentID:          req.AgentID,
		SessionID:        req.SessionID,
		TTLDays:          req.TTLDays,
		RequiresApproval: req.RequiresApproval,
	})
	if err != nil {
		return nil, err
	}
	return toPublicOutcome(res), nil
}

// SearchMemory embeds the query and returns scored results, best first.
func (a *App) SearchMemory(ctx context.Context, req SearchRequest) ([]Memory, error) {
	results, err := a.kernel.SearchMemory(ctx, model.SearchMemoryRequest{
		Query:               req.Query,
		Layer:               req.Layer,
		Category:            req.Category,
		AgentID:             req.AgentID,
		IncludeConstitution: req.IncludeConstitution,
		Limit:               req.Limit,
		MinScore:            req.MinScore,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Memory, len(results))
	for i, r := range results {
		out[i] = toPublicMemory(r)
	}
	return out, nil
}

// Constitution returns the active identity rules.
func (a *App) Constitution(ctx context.Context) ([]Rule, error) {
	con, err := a.kernel.GetConstitution(ctx)
	if err != nil {
		return nil, err
	}
	rules := make([]Rule, len(con.Items))
	for i, item := range con.Items {
		rules[i] = Rule{
			ID:       item.ID,
			Content:  item.Content,
			Category: item.Category,
			Source:   item.Source,
		}
	}
	return rules, nil
}

// LogEvent records one event-log entry and returns its id.
func (a *App) LogEvent(ctx context.Context, req EventRequest) (string, error) {
	res, err := a.kernel.LogEvent(ctx, model.LogEventRequest{
		Content:   req.Content,
		When:      req.When,
		Where:     req.Where,
		Who:       req.Who,
		AgentID:   req.AgentID,
		SessionID: req.SessionID,
		TTLDays:   req.TTLDays,
	})
	if err != nil {
		return "", err
	}
	return res.ID, nil
}

// PromoteEvent turns an event into a verified fact and returns the fact id.
// Promoting an already promoted event returns the existing fact id.
func (a *App) PromoteEvent(ctx context.Context, eventID, reason string) (string, error) {
	res, err := a.kernel.PromoteEventToFact(ctx, eventID, reason)
	if err != nil {
		return "", err
	}
	return res.FactID, nil
}

// DeleteMemory removes one memory. Soft deletion deactivates; hard deletion
// is unrecoverable.
func (a *App) DeleteMemory(ctx context.Context, id string, hard bool) error {
	return a.kernel.DeleteMemory(ctx, id, hard)
}

// Stats returns store sizes and queue depths.
func (a *App) Stats(ctx context.Context) (*Stats, error) {
	st, err := a.kernel.Stats(ctx)
	if err != nil {
		return nil, err
	}
	byLayer := make(map[string]uint64, len(st.ByLayer))
	for l, n := range st.ByLayer {
		byLayer[string(l)] = n
	}
	return &Stats{
		ProjectID:    st.ProjectID,
		ByLayer:      byLayer,
		PendingCount: st.Pending.Pending,
		CacheEntries: st.CacheEntries,
		GeneratedAt:  st.GeneratedAt,
	}, nil
}

// ErrSyncNotConfigured is returned by SyncPush and SyncPull when no sync
// bucket is configured.
var ErrSyncNotConfigured = errors.New("kioku: cloud sync is not configured")

// SyncPush exports all active memories to the configured cloud backend.
func (a *App) SyncPush(ctx context.Context) (*SyncReport, error) {
	if a.syncer == nil {
		return nil, ErrSyncNotConfigured
	}
	rep, err := a.syncer.Push(ctx)
	if err != nil {
		return nil, err
	}
	return toPublicSyncReport(rep), nil
}

// SyncPull imports memories from the configured cloud backend.
func (a *App) SyncPull(ctx context.Context, strategy SyncStrategy) (*SyncReport, error) {
	if a.syncer == nil {
		return nil, ErrSyncNotConfigured
	}
	rep, err := a.syncer.Pull(ctx, cloudsync.Strategy(strategy))
	if err != nil {
		return nil, err
	}
	return toPublicSyncReport(rep), nil
}

// ── process-wide default ──────────────────────────────────────────────────────

var (
	defaultMu  sync.Mutex
	defaultApp *App
)

// Default returns the process-wide App, constructing it on first use.
// Options are applied only on that first call.
func Default(ctx context.Context, opts ...Option) (*App, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultApp != nil {
		return defaultApp, nil
	}
	app, err := New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	defaultApp = app
	return defaultApp, nil
}

// CloseDefault closes and forgets the process-wide App. A later Default()
// call constructs a fresh one.
func CloseDefault() error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultApp == nil {
		return nil
	}
	err := defaultApp.Close()
	defaultApp = nil
	return err
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
