package cloudsync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ashita-ai/kioku/internal/index"
	"github.com/ashita-ai/kioku/internal/model"
)

// ExportFiles writes human-readable Markdown snapshots of the persistent
// layers into dir: constitution.md, facts.md, and events.md. Existing
// files are overwritten.
func (s *Syncer) ExportFiles(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cloudsync: create export dir: %w", err)
	}

	files := []struct {
		name   string
		title  string
		layers []model.Layer
	}{
		{"constitution.md", "Constitution", []model.Layer{model.LayerIdentity}},
		{"facts.md", "Verified Facts", []model.Layer{model.LayerFact, model.LayerOperational}},
		{"events.md", "Event Log", []model.Layer{model.LayerEventLog}},
	}

	for _, f := range files {
		var items []model.MemoryItem
		for _, layer := range f.layers {
			batch, err := s.idx.Scroll(ctx, index.Filter{Layer: layer}, scrollPage)
			if err != nil {
				return fmt.Errorf("cloudsync: export %s: %w", layer, err)
			}
			items = append(items, batch...)
		}
		sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })

		path := filepath.Join(dir, f.name)
		if err := os.WriteFile(path, renderMarkdown(f.title, s.projectID, items), 0o644); err != nil {
			return fmt.Errorf("cloudsync: write %s: %w", f.name, err)
		}
	}
	return nil
}

func renderMarkdown(title, projectID string, items []model.MemoryItem) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s (%s)\n\n", title, projectID)
	fmt.Fprintf(&b, "Exported %s. %d items.\n\n", time.Now().UTC().Format("2006-01-02 15:04 UTC"), len(items))

	for _, item := range items {
		fmt.Fprintf(&b, "## %s\n\n", item.ID)
		fmt.Fprintf(&b, "%s\n\n", item.Content)
		fmt.Fprintf(&b, "- layer: %s\n", item.Layer)
		if item.Category != "" {
			fmt.Fprintf(&b, "- category: %s\n", item.Category)
		}
		fmt.Fprintf(&b, "- confidence: %.2f\n", item.Confidence)
		if item.When != nil {
			fmt.Fprintf(&b, "- when: %s\n", item.When.UTC().Format("2006-01-02 15:04"))
		}
		if item.Where != "" {
			fmt.Fprintf(&b, "- where: %s\n", item.Where)
		}
		if len(item.Who) > 0 {
			fmt.Fprintf(&b, "- who: %s\n", strings.Join(item.Who, ", "))
		}
		fmt.Fprintf(&b, "- created: %s\n\n", item.CreatedAt.UTC().Format("2006-01-02 15:04"))
	}
	return []byte(b.String())
}
