package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kioku/internal/index"
	"github.com/ashita-ai/kioku/internal/model"
)

// recentResourceLimit bounds the memory://recent listing.
const recentResourceLimit = 20

func (s *Server) registerResources() {
	// memory://constitution — the identity layer as Markdown.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"memory://constitution",
			"Project Constitution",
			mcplib.WithResourceDescription("The project's identity layer: rules that override assistant defaults"),
			mcplib.WithMIMEType("text/markdown"),
		),
		s.handleConstitutionResource,
	)

	// memory://recent — most recently created memories.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"memory://recent",
			"Recent Memories",
			mcplib.WithResourceDescription("Most recently created events, facts, and operational knowledge"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentResource,
	)
}

func (s *Server) handleConstitutionResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	con, err := s.kernel.GetConstitution(ctx)
	if err != nil {
		return nil, fmt.Errorf("read constitution: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "text/markdown",
			Text:     formatConstitution(con),
		},
	}, nil
}

func (s *Server) handleRecentResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	// Scroll returns oldest first; take the tail and reverse it. The scan
	// window is generous because per-project stores stay small.
	items, err := s.kernel.Index().Scroll(ctx, index.Filter{
		Layers: []model.Layer{model.LayerEventLog, model.LayerFact, model.LayerOperational},
	}, 1000)
	if err != nil {
		return nil, fmt.Errorf("list recent memories: %w", err)
	}
	if len(items) > recentResourceLimit {
		items = items[len(items)-recentResourceLimit:]
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	// Trimmed to what an agent acts on.
	type entry struct {
		ID        string `json:"id"`
		Layer     string `json:"layer"`
		Content   string `json:"content"`
		CreatedAt string `json:"created_at"`
	}
	entries := make([]entry, 0, len(items))
	for _, item := range items {
		entries = append(entries, entry{
			ID:        item.ID,
			Layer:     string(item.Layer),
			Content:   truncate(item.Content, maxToolContent),
			CreatedAt: item.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode recent memories: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
