package index

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kioku/internal/model"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
}

// Qdrant implements Index backed by a Qdrant server.
type Qdrant struct {
	client     *qdrant.Client
	collection string
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error (pointer-to-error, never nil pointer; inner error may be nil)
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("index: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("index: invalid port in qdrant URL: %q", portStr)
		}
		// If the user specified the REST port (6333), use the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewQdrant connects to the Qdrant server via gRPC and verifies it answers.
// An unreachable server is a hard startup failure: callers must not fall
// back to embedded mode on their own.
func NewQdrant(ctx context.Context, cfg QdrantConfig, logger *slog.Logger) (*Qdrant, error) {
	if logger == nil {
		logger = slog.Default()
	}
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("index: connect to qdrant at %s:%d: %w", host, port, err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(probeCtx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("index: qdrant at %s:%d: %w: %w", host, port, model.ErrIndexUnavailable, err)
	}

	return &Qdrant{
		client:     client,
		collection: cfg.Collection,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it doesn't already exist and
// ensures all payload indexes are present. Index creation is always
// attempted regardless of whether the collection pre-existed —
// CreateFieldIndex is idempotent on Qdrant, so this safely backfills any
// indexes added after the collection was first created.
func (q *Qdrant) EnsureCollection(ctx context.Context, dims int) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("index: check collection exists: %w", err)
	}

	if !exists {
		m := uint64(16)
		efConstruct := uint64(128)

		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dims), //nolint:gosec
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &m,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("index: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", dims)
	} else {
		q.logger.Info("qdrant: collection already exists", "collection", q.collection)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"layer", "category", "agent_id", "session_id", "source", "created_by"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("index: ensure index on %q: %w", field, err)
		}
	}

	boolType := qdrant.FieldType_FieldTypeBool
	if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "is_active",
		FieldType:      &boolType,
	}); err != nil {
		return fmt.Errorf("index: ensure index on %q: %w", "is_active", err)
	}

	floatType := qdrant.FieldType_FieldTypeFloat
	for _, field := range []string{"confidence", "when_unix", "expires_at_unix"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &floatType,
		}); err != nil {
			return fmt.Errorf("index: ensure index on %q: %w", field, err)
		}
	}

	q.logger.Info("qdrant: payload indexes ensured", "collection", q.collection)
	return nil
}

// buildFilter translates a Filter into Qdrant conditions. Expiry exclusion
// rides in must_not so points without an expiry pass untouched.
func buildFilter(f Filter) *qdrant.Filter {
	var must []*qdrant.Condition
	var mustNot []*qdrant.Condition

	if f.Layer != "" {
		must = append(must, qdrant.NewMatch("layer", string(f.Layer)))
	} else if len(f.Layers) > 0 {
		layers := make([]string, len(f.Layers))
		for i, l := range f.Layers {
			layers[i] = string(l)
		}
		must = append(must, qdrant.NewMatchKeywords("layer", layers...))
	}
	if f.Category != "" {
		must = append(must, qdrant.NewMatch("category", f.Category))
	}
	if f.agentApplies() {
		must = append(must, qdrant.NewMatch("agent_id", f.AgentID))
	}
	if !f.IncludeInactive {
		must = append(must, qdrant.NewMatchBool("is_active", true))
	}

	mustNot = append(mustNot, qdrant.NewRange("expires_at_unix", &qdrant.Range{
		Lte: qdrant.PtrOf(float64(f.at().Unix())),
	}))

	if f.WhenFrom != nil {
		must = append(must, qdrant.NewRange("when_unix", &qdrant.Range{
			Gte: qdrant.PtrOf(float64(f.WhenFrom.Unix())),
		}))
	}
	if f.WhenTo != nil {
		must = append(must, qdrant.NewRange("when_unix", &qdrant.Range{
			Lte: qdrant.PtrOf(float64(f.WhenTo.Unix())),
		}))
	}

	return &qdrant.Filter{Must: must, MustNot: mustNot}
}

// Upsert inserts or updates points.
func (q *Qdrant) Upsert(ctx context.Context, items []model.MemoryItem, vectors []pgvector.Vector) error {
	if len(items) == 0 {
		return nil
	}
	if len(items) != len(vectors) {
		return fmt.Errorf("index: %d items but %d vectors", len(items), len(vectors))
	}

	points := make([]*qdrant.PointStruct, len(items))
	for i, item := range items {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(item.ID),
			Vectors: qdrant.NewVectorsDense(vectors[i].Slice()),
			Payload: qdrant.NewValueMap(item.Payload()),
		}
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("index: qdrant upsert %d points: %w", len(items), err)
	}
	return nil
}

// Query runs a dense vector search under the filter.
func (q *Qdrant) Query(ctx context.Context, vector pgvector.Vector, f Filter, limit int) ([]model.SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}

	fetchLimit := uint64(limit) //nolint:gosec
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vector.Slice()),
		Filter:         buildFilter(f),
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("index: qdrant query: %w", err)
	}

	results := make([]model.SearchResult, 0, len(scored))
	for _, sp := range scored {
		idStr := sp.Id.GetUuid()
		if idStr == "" {
			continue
		}
		item := model.ItemFromPayload(idStr, payloadToMap(sp.Payload))
		results = append(results, model.SearchResult{
			Item:  item,
			Score: model.Clamp01(float64(sp.Score)),
		})
	}
	return results, nil
}

// Scroll lists matching points without scoring.
func (q *Qdrant) Scroll(ctx context.Context, f Filter, limit int) ([]model.MemoryItem, error) {
	if limit <= 0 {
		limit = 100
	}

	points, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: q.collection,
		Filter:         buildFilter(f),
		Limit:          qdrant.PtrOf(uint32(limit)), //nolint:gosec
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("index: qdrant scroll: %w", err)
	}

	items := make([]model.MemoryItem, 0, len(points))
	for _, p := range points {
		idStr := p.Id.GetUuid()
		if idStr == "" {
			continue
		}
		items = append(items, model.ItemFromPayload(idStr, payloadToMap(p.Payload)))
	}
	return items, nil
}

// RetrieveByID fetches one point regardless of active flag.
func (q *Qdrant) RetrieveByID(ctx context.Context, id string) (*model.MemoryItem, error) {
	points, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: q.collection,
		Ids:            []*qdrant.PointId{qdrant.NewID(id)},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("index: qdrant get %s: %w", id, err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("index: point %s: %w", id, model.ErrNotFound)
	}
	item := model.ItemFromPayload(points[0].Id.GetUuid(), payloadToMap(points[0].Payload))
	return &item, nil
}

// SetPayload merges patch into the point's payload.
func (q *Qdrant) SetPayload(ctx context.Context, id string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	_, err := q.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: q.collection,
		Payload:        qdrant.NewValueMap(patch),
		PointsSelector: qdrant.NewPointsSelector(qdrant.NewID(id)),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("index: qdrant set payload on %s: %w", id, err)
	}
	return nil
}

// Delete removes points (hard) or marks them inactive (soft).
func (q *Qdrant) Delete(ctx context.Context, ids []string, hard bool) error {
	if len(ids) == 0 {
		return nil
	}

	if !hard {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		for _, id := range ids {
			if err := q.SetPayload(ctx, id, map[string]any{"is_active": false, "updated_at": now}); err != nil {
				return err
			}
		}
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id)
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("index: qdrant delete %d points: %w", len(ids), err)
	}
	return nil
}

// Count returns the number of points matching the filter.
func (q *Qdrant) Count(ctx context.Context, f Filter) (uint64, error) {
	n, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.collection,
		Filter:         buildFilter(f),
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("index: qdrant count: %w", err)
	}
	return n, nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5
// seconds to avoid hammering the health endpoint on every request.
// Concurrent calls after cache expiry are deduplicated via singleflight so
// only one gRPC call is made; all waiters share its result.
func (q *Qdrant) Healthy(ctx context.Context) error {
	// Fast path: return the cached result if fresh.
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}

	// Deduplicate concurrent checks. Use context.Background() instead of the
	// caller's ctx because singleflight reuses the first caller's context —
	// if that caller cancels, all waiters would get a stale error.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_, err := q.client.HealthCheck(checkCtx)
		if err != nil {
			q.storeHealthErr(fmt.Errorf("index: qdrant unhealthy: %w", err))
		} else {
			q.storeHealthErr(nil)
		}
		q.healthAt.Store(time.Now().UnixNano())
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// storeHealthErr stores an error (or nil) in the atomic.Value.
// atomic.Value cannot store nil directly, so we wrap it in a pointer.
func (q *Qdrant) storeHealthErr(err error) {
	q.healthErr.Store(&err)
}

// loadHealthErr loads the cached health error.
func (q *Qdrant) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the Qdrant gRPC connection.
func (q *Qdrant) Close() error {
	return q.client.Close()
}
