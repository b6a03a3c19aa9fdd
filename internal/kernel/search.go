package kernel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kioku/internal/budget"
	"github.com/ashita-ai/kioku/internal/index"
	"github.com/ashita-ai/kioku/internal/model"
)

// Search limits: callers get a small working set by default and can never
// pull more than maxSearchLimit in one call.
const (
	defaultSearchLimit = 5
	maxSearchLimit     = 20
)

// SearchMemory embeds the query and returns scored results. When the
// constitution is included its items are prepended as a separate block,
// never interleaved with the scored body.
func (k *Kernel) SearchMemory(ctx context.Context, req model.SearchMemoryRequest) ([]model.SearchResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, model.Invalid("query", "must not be empty")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	var layer model.Layer
	if req.Layer != "" {
		var err error
		if layer, err = model.NormalizeLayer(req.Layer); err != nil {
			return nil, err
		}
	}

	// An explicit identity search reads the constitution, not the index.
	if layer == model.LayerIdentity {
		return k.constitutionResults(ctx, limit)
	}

	var head []model.SearchResult
	if req.IncludeConstitution {
		var err error
		head, err = k.constitutionResults(ctx, k.cfg.MaxConstitutionItems)
		if err != nil {
			return nil, err
		}
	}

	body, err := k.searchBody(ctx, req, layer, limit)
	if err != nil {
		return nil, err
	}
	return k.applyBudget(head, body), nil
}

// applyBudget trims an assembled result set to the context token budget.
// Identity items are always admitted; body items are admitted best-first
// within each layer's cap, then re-ranked by score. The budget is fresh per
// search so one verbose call cannot starve the next.
func (k *Kernel) applyBudget(head, body []model.SearchResult) []model.SearchResult {
	bm := budget.New(nil, 0)
	head, _ = bm.TruncateToFit(model.LayerIdentity, head, len(head))

	byLayer := make(map[model.Layer][]model.SearchResult)
	var order []model.Layer
	for _, r := range body {
		if _, ok := byLayer[r.Item.Layer]; !ok {
			order = append(order, r.Item.Layer)
		}
		byLayer[r.Item.Layer] = append(byLayer[r.Item.Layer], r)
	}

	kept := make([]model.SearchResult, 0, len(body))
	var cut int
	for _, l := range order {
		admitted, n := bm.TruncateToFit(l, byLayer[l], 0)
		kept = append(kept, admitted...)
		cut += n
	}
	if cut > 0 {
		k.logger.Debug("search results cut by token budget", "cut", cut)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	return append(head, kept...)
}

// searchBody runs the scored part of a search. Without an explicit layer
// it covers shared facts plus the caller's own events.
func (k *Kernel) searchBody(ctx context.Context, req model.SearchMemoryRequest, layer model.Layer, limit int) ([]model.SearchResult, error) {
	vec, err := k.provider.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("kernel: embed query: %w", err)
	}

	minScore := k.cfg.MinSearchScore
	if req.MinScore != nil {
		minScore = *req.MinScore
	}

	var results []model.SearchResult
	if layer == "" {
		facts, err := k.index.Query(ctx, vec, index.Filter{Layer: model.LayerFact, Category: req.Category}, limit)
		if err != nil {
			return nil, fmt.Errorf("kernel: query facts: %w", err)
		}
		events, err := k.index.Query(ctx, vec, index.Filter{
			Layer:    model.LayerEventLog,
			Category: req.Category,
			AgentID:  req.AgentID,
		}, limit)
		if err != nil {
			return nil, fmt.Errorf("kernel: query events: %w", err)
		}
		results = append(facts, events...)
		sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	} else {
		f := index.Filter{Layer: layer, Category: req.Category}
		if layer == model.LayerEventLog {
			f.AgentID = req.AgentID
		}
		if results, err = k.index.Query(ctx, vec, f, limit); err != nil {
			return nil, fmt.Errorf("kernel: query %s: %w", layer, err)
		}
	}

	kept := results[:0]
	for _, r := range results {
		if r.Score >= minScore {
			kept = append(kept, r)
		}
	}
	if len(kept) > limit {
		kept = kept[:limit]
	}
	return kept, nil
}

// SearchEvents searches the event log, folding location and participants
// into the query text and bounding `when` index-side.
func (k *Kernel) SearchEvents(ctx context.Context, req model.SearchEventsRequest) ([]model.SearchResult, error) {
	query := req.Query
	var prefix []string
	if req.Where != "" {
		prefix = append(prefix, "地点:"+req.Where)
	}
	if len(req.Who) > 0 {
		prefix = append(prefix, "人物:"+strings.Join(req.Who, ","))
	}
	if len(prefix) > 0 {
		query = strings.Join(prefix, " ") + " " + query
	}
	if strings.TrimSpace(query) == "" {
		return nil, model.Invalid("query", "must not be empty")
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	vec, err := k.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("kernel: embed query: %w", err)
	}
	results, err := k.index.Query(ctx, vec, index.Filter{
		Layer:    model.LayerEventLog,
		AgentID:  req.AgentID,
		WhenFrom: req.From,
		WhenTo:   req.To,
	}, limit)
	if err != nil {
		return nil, fmt.Errorf("kernel: query events: %w", err)
	}

	kept := results[:0]
	for _, r := range results {
		if r.Score >= k.cfg.MinSearchScore {
			kept = append(kept, r)
		}
	}
	kept, _ = budget.New(nil, 0).TruncateToFit(model.LayerEventLog, kept, 0)
	return kept, nil
}

// GetConstitution returns the full L0 snapshot: file items plus indexed
// items, deduplicated by content with the file winning. Reads are full
// scans, never vector queries.
func (k *Kernel) GetConstitution(ctx context.Context) (*model.Constitution, error) {
	items, err := k.constitutionItems(ctx, k.cfg.MaxConstitutionItems)
	if err != nil {
		return nil, err
	}
	return &model.Constitution{
		Items:    items,
		Guidance: "Constitution items are the assistant's identity and hard rules. They are always in force; changes require the approval workflow.",
	}, nil
}

func (k *Kernel) constitutionResults(ctx context.Context, limit int) ([]model.SearchResult, error) {
	items, err := k.constitutionItems(ctx, limit)
	if err != nil {
		return nil, err
	}
	results := make([]model.SearchResult, 0, len(items))
	for _, it := range items {
		results = append(results, model.SearchResult{
			Item: model.MemoryItem{
				ID:         it.ID,
				ProjectID:  k.cfg.ProjectID,
				Layer:      model.LayerIdentity,
				Content:    it.Content,
				Category:   it.Category,
				Confidence: 1.0,
				IsActive:   true,
			},
			Score: 1.0,
		})
	}
	return results, nil
}

// constitutionFile mirrors the constitution.yaml surface.
type constitutionFile struct {
	Constitution []struct {
		ID       string `yaml:"id"`
		Content  string `yaml:"content"`
		Category string `yaml:"category"`
	} `yaml:"constitution"`
}

func (k *Kernel) constitutionItems(ctx context.Context, limit int) ([]model.ConstitutionItem, error) {
	if limit <= 0 {
		limit = k.cfg.MaxConstitutionItems
	}

	items := k.fileConstitution()
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		seen[it.Content] = true
	}

	indexed, err := k.index.Scroll(ctx, index.Filter{Layer: model.LayerIdentity}, limit)
	if err != nil {
		return nil, fmt.Errorf("kernel: scroll constitution: %w", err)
	}
	for _, m := range indexed {
		if seen[m.Content] {
			continue
		}
		seen[m.Content] = true
		items = append(items, model.ConstitutionItem{
			ID:       m.ID,
			Content:  m.Content,
			Category: m.Category,
			Source:   "index",
		})
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// fileConstitution reads <data_dir>/constitution.yaml. A missing or
// malformed file yields no items; the index remains authoritative.
func (k *Kernel) fileConstitution() []model.ConstitutionItem {
	data, err := os.ReadFile(filepath.Join(k.cfg.DataDir, "constitution.yaml"))
	if err != nil {
		return nil
	}
	var f constitutionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		k.logger.Warn("constitution.yaml is malformed, ignoring", "error", err)
		return nil
	}

	var items []model.ConstitutionItem
	for i, raw := range f.Constitution {
		if raw.Content == "" {
			continue
		}
		id := raw.ID
		if id == "" {
			id = fmt.Sprintf("item-%d", i)
		}
		items = append(items, model.ConstitutionItem{
			ID:       k.ConstitutionItemID(id).String(),
			Content:  raw.Content,
			Category: raw.Category,
			Source:   "file",
		})
	}
	return items
}

// ConstitutionItemID derives a stable point id for a file constitution
// item: the same project and item id always map to the same UUID, on any
// machine.
func (k *Kernel) ConstitutionItemID(itemID string) uuid.UUID {
	ns := uuid.NewSHA1(uuid.NameSpaceDNS, []byte(k.cfg.ProjectID))
	return uuid.NewSHA1(ns, []byte("constitution:"+itemID))
}
