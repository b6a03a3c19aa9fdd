package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/pgvector/pgvector-go"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/kioku/internal/model"
)

// Embedded implements Index on local files: vectors and payloads live in a
// per-collection sqlite database, and similarity is brute-force cosine over
// the filtered candidate set. Adequate at per-project scale and requires no
// running service.
//
// A file lock is held for the adapter's lifetime so a second process cannot
// write the same collection concurrently. Writes within the process are
// serialized; reads go through database/sql's pool.
type Embedded struct {
	db         *sql.DB
	flk        *flock.Flock
	collection string
	logger     *slog.Logger

	mu   sync.Mutex // serializes writes
	dims int
}

// NewEmbedded opens (creating if needed) the collection database under dir.
// Fails fast when another process holds the collection lock.
func NewEmbedded(dir, collection string, logger *slog.Logger) (*Embedded, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("index: create data dir %s: %w", dir, err)
	}

	flk := flock.New(filepath.Join(dir, collection+".lock"))
	locked, err := flk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("index: lock %s: %w", flk.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("index: collection %q is locked by another process (%s)", collection, flk.Path())
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, collection+".db"))
	if err != nil {
		_ = flk.Unlock()
		return nil, fmt.Errorf("index: open embedded db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			_ = flk.Unlock()
			return nil, fmt.Errorf("index: %s: %w", pragma, err)
		}
	}

	return &Embedded{
		db:         db,
		flk:        flk,
		collection: collection,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the schema and pins the vector dimensionality.
// Reopening an existing collection with a different dims is an error: it
// means the embedding model changed and the stored vectors are unusable.
func (e *Embedded) EnsureCollection(ctx context.Context, dims int) error {
	if dims <= 0 {
		return fmt.Errorf("index: dims must be positive, got %d", dims)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS points (
	id              TEXT PRIMARY KEY,
	vector          BLOB NOT NULL,
	payload         TEXT NOT NULL,
	layer           TEXT NOT NULL,
	category        TEXT NOT NULL DEFAULT '',
	agent_id        TEXT NOT NULL DEFAULT '',
	is_active       INTEGER NOT NULL DEFAULT 1,
	when_unix       REAL,
	expires_at_unix REAL,
	created_at_unix REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_points_layer ON points(layer, is_active);
`
	if _, err := e.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("index: create embedded schema: %w", err)
	}

	var stored string
	err := e.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'dims'`).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := e.db.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES ('dims', ?)`, strconv.Itoa(dims)); err != nil {
			return fmt.Errorf("index: record dims: %w", err)
		}
		e.logger.Info("embedded: created collection", "collection", e.collection, "dims", dims)
	case err != nil:
		return fmt.Errorf("index: read dims: %w", err)
	default:
		have, _ := strconv.Atoi(stored)
		if have != dims {
			return fmt.Errorf("index: collection %q was built with %d dims, got %d (embedding model changed?)", e.collection, have, dims)
		}
		e.logger.Info("embedded: collection already exists", "collection", e.collection)
	}

	e.dims = dims
	return nil
}

// Upsert writes items and vectors in one transaction.
func (e *Embedded) Upsert(ctx context.Context, items []model.MemoryItem, vectors []pgvector.Vector) error {
	if len(items) == 0 {
		return nil
	}
	if len(items) != len(vectors) {
		return fmt.Errorf("index: %d items but %d vectors", len(items), len(vectors))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO points (id, vector, payload, layer, category, agent_id, is_active, when_unix, expires_at_unix, created_at_unix)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	vector = excluded.vector,
	payload = excluded.payload,
	layer = excluded.layer,
	category = excluded.category,
	agent_id = excluded.agent_id,
	is_active = excluded.is_active,
	when_unix = excluded.when_unix,
	expires_at_unix = excluded.expires_at_unix,
	created_at_unix = excluded.created_at_unix`)
	if err != nil {
		return fmt.Errorf("index: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for i, item := range items {
		payload := item.Payload()
		blob := encodeVector(vectors[i].Slice())
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("index: marshal payload for %s: %w", item.ID, err)
		}
		cols := columnsFromPayload(payload)
		if _, err := stmt.ExecContext(ctx, item.ID, blob, string(raw),
			cols.layer, cols.category, cols.agentID, cols.isActive,
			cols.whenUnix, cols.expiresUnix, cols.createdUnix); err != nil {
			return fmt.Errorf("index: upsert %s: %w", item.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit upsert: %w", err)
	}
	return nil
}

// Query scores all filtered candidates by cosine similarity and returns the
// top results. Raw cosine is mapped to [0, 1] via (cos+1)/2 so scores are
// comparable with server mode.
func (e *Embedded) Query(ctx context.Context, vector pgvector.Vector, f Filter, limit int) ([]model.SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	where, args := whereClause(f)

	rows, err := e.db.QueryContext(ctx, `SELECT id, vector, payload FROM points WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("index: embedded query: %w", err)
	}
	defer rows.Close()

	query := vector.Slice()
	var scored []model.SearchResult
	for rows.Next() {
		var id string
		var blob []byte
		var raw string
		if err := rows.Scan(&id, &blob, &raw); err != nil {
			return nil, fmt.Errorf("index: scan point: %w", err)
		}
		candidate := decodeVector(blob)
		if len(candidate) != len(query) {
			e.logger.Warn("embedded: dimension mismatch, skipping point", "id", id, "have", len(candidate), "want", len(query))
			continue
		}
		item, err := itemFromRaw(id, raw)
		if err != nil {
			e.logger.Warn("embedded: bad payload, skipping point", "id", id, "error", err)
			continue
		}
		score := model.Clamp01((cosine(query, candidate) + 1) / 2)
		scored = append(scored, model.SearchResult{Item: item, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: iterate points: %w", err)
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// Scroll lists matching points oldest-first without scoring.
func (e *Embedded) Scroll(ctx context.Context, f Filter, limit int) ([]model.MemoryItem, error) {
	if limit <= 0 {
		limit = 100
	}
	where, args := whereClause(f)
	args = append(args, limit)

	rows, err := e.db.QueryContext(ctx,
		`SELECT id, payload FROM points WHERE `+where+` ORDER BY created_at_unix ASC, id ASC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("index: embedded scroll: %w", err)
	}
	defer rows.Close()

	var items []model.MemoryItem
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("index: scan point: %w", err)
		}
		item, err := itemFromRaw(id, raw)
		if err != nil {
			e.logger.Warn("embedded: bad payload, skipping point", "id", id, "error", err)
			continue
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// RetrieveByID fetches one point regardless of active flag.
func (e *Embedded) RetrieveByID(ctx context.Context, id string) (*model.MemoryItem, error) {
	var raw string
	err := e.db.QueryRowContext(ctx, `SELECT payload FROM points WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("index: point %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("index: embedded get %s: %w", id, err)
	}
	item, err := itemFromRaw(id, raw)
	if err != nil {
		return nil, fmt.Errorf("index: decode payload for %s: %w", id, err)
	}
	return &item, nil
}

// SetPayload merges patch into the stored payload and refreshes the
// filterable columns.
func (e *Embedded) SetPayload(ctx context.Context, id string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin set payload: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT payload FROM points WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("index: point %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("index: read payload for %s: %w", id, err)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return fmt.Errorf("index: decode payload for %s: %w", id, err)
	}
	for k, v := range patch {
		payload[k] = v
	}

	merged, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("index: marshal payload for %s: %w", id, err)
	}
	cols := columnsFromPayload(payload)
	if _, err := tx.ExecContext(ctx, `
UPDATE points SET payload = ?, layer = ?, category = ?, agent_id = ?, is_active = ?, when_unix = ?, expires_at_unix = ?
WHERE id = ?`,
		string(merged), cols.layer, cols.category, cols.agentID, cols.isActive,
		cols.whenUnix, cols.expiresUnix, id); err != nil {
		return fmt.Errorf("index: update payload for %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit set payload: %w", err)
	}
	return nil
}

// Delete removes points (hard) or marks them inactive (soft).
func (e *Embedded) Delete(ctx context.Context, ids []string, hard bool) error {
	if len(ids) == 0 {
		return nil
	}

	if !hard {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		for _, id := range ids {
			if err := e.SetPayload(ctx, id, map[string]any{"is_active": false, "updated_at": now}); err != nil {
				return err
			}
		}
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := e.db.ExecContext(ctx, `DELETE FROM points WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("index: embedded delete %d points: %w", len(ids), err)
	}
	return nil
}

// Count returns the number of points matching the filter.
func (e *Embedded) Count(ctx context.Context, f Filter) (uint64, error) {
	where, args := whereClause(f)
	var n uint64
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM points WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("index: embedded count: %w", err)
	}
	return n, nil
}

// Healthy pings the database file.
func (e *Embedded) Healthy(ctx context.Context) error {
	if err := e.db.PingContext(ctx); err != nil {
		return fmt.Errorf("index: embedded unhealthy: %w", err)
	}
	return nil
}

// Close releases the database and the collection lock.
func (e *Embedded) Close() error {
	err := e.db.Close()
	if unlockErr := e.flk.Unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	return err
}

// whereClause translates a Filter into SQL. Rows without an expiry always
// pass the expiry condition; rows without a `when` never match a
// time-bounded query.
func whereClause(f Filter) (string, []any) {
	conds := []string{"(expires_at_unix IS NULL OR expires_at_unix > ?)"}
	args := []any{float64(f.at().Unix())}

	if f.Layer != "" {
		conds = append(conds, "layer = ?")
		args = append(args, string(f.Layer))
	} else if len(f.Layers) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.Layers)), ",")
		conds = append(conds, "layer IN ("+placeholders+")")
		for _, l := range f.Layers {
			args = append(args, string(l))
		}
	}
	if f.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, f.Category)
	}
	if f.agentApplies() {
		conds = append(conds, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if !f.IncludeInactive {
		conds = append(conds, "is_active = 1")
	}
	if f.WhenFrom != nil {
		conds = append(conds, "when_unix >= ?")
		args = append(args, float64(f.WhenFrom.Unix()))
	}
	if f.WhenTo != nil {
		conds = append(conds, "when_unix <= ?")
		args = append(args, float64(f.WhenTo.Unix()))
	}

	return strings.Join(conds, " AND "), args
}

type pointColumns struct {
	layer       string
	category    string
	agentID     string
	isActive    bool
	whenUnix    sql.NullFloat64
	expiresUnix sql.NullFloat64
	createdUnix float64
}

func columnsFromPayload(p map[string]any) pointColumns {
	cols := pointColumns{
		layer:    stringField(p, "layer"),
		category: stringField(p, "category"),
		agentID:  stringField(p, "agent_id"),
	}
	if v, ok := p["is_active"].(bool); ok {
		cols.isActive = v
	}
	if v, ok := floatField(p, "when_unix"); ok {
		cols.whenUnix = sql.NullFloat64{Float64: v, Valid: true}
	}
	if v, ok := floatField(p, "expires_at_unix"); ok {
		cols.expiresUnix = sql.NullFloat64{Float64: v, Valid: true}
	}
	if s := stringField(p, "created_at"); s != "" {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			cols.createdUnix = float64(t.UnixNano()) / float64(time.Second)
		}
	}
	if cols.createdUnix == 0 {
		cols.createdUnix = float64(time.Now().UnixNano()) / float64(time.Second)
	}
	return cols
}

func stringField(p map[string]any, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func floatField(p map[string]any, key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func itemFromRaw(id, raw string) (model.MemoryItem, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return model.MemoryItem{}, err
	}
	return model.ItemFromPayload(id, payload), nil
}

// encodeVector packs float32s little-endian, 4 bytes per dimension.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// cosine computes similarity with float64 accumulation. Zero-magnitude
// vectors score zero rather than NaN.
func cosine(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
