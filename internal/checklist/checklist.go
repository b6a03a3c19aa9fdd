// Package checklist tracks persistent tasks across assistant sessions.
// Items live in the project database; plan documents reference them with
// (ma:xxxxxxxx) anchors built from the first eight id characters, and a
// session-end sync reads checkbox state back from the plan.
package checklist

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/store"
)

// Service provides checklist operations for one project.
type Service struct {
	db        *store.DB
	projectID string
	logger    *slog.Logger
}

// New creates a checklist service over the project database.
func New(db *store.DB, projectID string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, projectID: projectID, logger: logger}
}

// Create validates and stores a new item. Zero-value status, scope, and
// priority get the defaults open/project/3.
func (s *Service) Create(ctx context.Context, item model.ChecklistItem) (*model.ChecklistItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.ProjectID = s.projectID
	if item.Status == "" {
		item.Status = model.ChecklistOpen
	}
	if item.Scope == "" {
		item.Scope = model.ScopeProject
	}
	if item.Priority == 0 {
		item.Priority = 3
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}
	if err := s.db.InsertChecklistItem(ctx, item); err != nil {
		return nil, err
	}
	return s.db.GetChecklistItem(ctx, item.ID)
}

// Get returns one item by full id.
func (s *Service) Get(ctx context.Context, id string) (*model.ChecklistItem, error) {
	return s.db.GetChecklistItem(ctx, id)
}

// SetStatus transitions an item.
func (s *Service) SetStatus(ctx context.Context, id string, status model.ChecklistStatus) error {
	return s.db.SetChecklistStatus(ctx, id, status)
}

// List returns items filtered by status and scope.
func (s *Service) List(ctx context.Context, status model.ChecklistStatus, scope model.ChecklistScope, limit int) ([]model.ChecklistItem, error) {
	return s.db.ListChecklist(ctx, status, scope, limit)
}

// Briefing limits: callers usually want a screenful, never more than 50.
const (
	DefaultBriefingLimit = 12
	MaxBriefingLimit     = 50
)

// priorityLabels maps priority 1..5 to briefing section headers. 0 (unset)
// shares the backlog bucket.
var priorityLabels = map[int]string{
	1: "🔴 紧急",
	2: "🟠 高优",
	3: "🟡 普通",
	4: "🟢 低优",
	5: "⚪ 待定",
}

// Briefing renders open items as a Markdown digest grouped by priority,
// each line carrying its (ma:xxxxxxxx) anchor for later plan sync.
func (s *Service) Briefing(ctx context.Context, limit int) (string, error) {
	if limit <= 0 {
		limit = DefaultBriefingLimit
	}
	if limit > MaxBriefingLimit {
		limit = MaxBriefingLimit
	}

	items, err := s.db.ListChecklist(ctx, model.ChecklistOpen, "", limit)
	if err != nil {
		return "", fmt.Errorf("checklist: briefing: %w", err)
	}
	if len(items) == 0 {
		return "📋 **清单简报**\n\n当前没有待办清单项。", nil
	}

	byPriority := map[int][]model.ChecklistItem{}
	for _, item := range items {
		p := item.Priority
		if p < 1 || p > 5 {
			p = 5
		}
		byPriority[p] = append(byPriority[p], item)
	}

	lines := []string{"📋 **清单简报**", ""}
	for p := 1; p <= 5; p++ {
		group := byPriority[p]
		if len(group) == 0 {
			continue
		}
		lines = append(lines, "### "+priorityLabels[p])
		for _, item := range group {
			line := fmt.Sprintf("- [ ] %s (ma:%s)", item.Content, item.ShortRef())
			if len(item.Tags) > 0 {
				tags := make([]string, len(item.Tags))
				for i, t := range item.Tags {
					tags[i] = "`" + t + "`"
				}
				line += " " + strings.Join(tags, " ")
			}
			lines = append(lines, line)
		}
		lines = append(lines, "")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n"), nil
}

// SyncReport summarizes one plan-document sync.
type SyncReport struct {
	Updated []string `json:"updated"` // short refs marked done
	Created []string `json:"created"` // ids of new items from @persist lines
	Skipped []string `json:"skipped"` // refs that matched nothing
}

var (
	checkedLineRe = regexp.MustCompile(`(?i)^\s*-?\s*\[x\]\s*`)
	checkboxRe    = regexp.MustCompile(`(?i)^\s*-?\s*\[(?:x| )\]\s*`)
	maRefRe       = regexp.MustCompile(`(?i)\(ma:([a-f0-9]{8})\)`)
	persistRe     = regexp.MustCompile(`(?i)@persist`)
)

// SyncPlan reads checkbox state back from a plan document. Checked lines
// carrying an (ma:xxxxxxxx) ref mark the referenced item done; checked
// lines without a ref but tagged @persist become new done items tagged
// from-plan plus the session id.
func (s *Service) SyncPlan(ctx context.Context, planMarkdown, session string) (*SyncReport, error) {
	report := &SyncReport{}
	for _, line := range strings.Split(planMarkdown, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		checked := checkedLineRe.MatchString(line)

		if m := maRefRe.FindStringSubmatch(line); m != nil {
			if !checked {
				continue
			}
			ref := strings.ToLower(m[1])
			if s.markDoneByRef(ctx, ref) {
				report.Updated = append(report.Updated, ref)
			} else {
				report.Skipped = append(report.Skipped, ref)
			}
			continue
		}

		if checked && persistRe.MatchString(line) {
			content := checkboxRe.ReplaceAllString(line, "")
			content = strings.TrimSpace(persistRe.ReplaceAllString(content, ""))
			if content == "" {
				continue
			}
			item, err := s.Create(ctx, model.ChecklistItem{
				Content: content,
				Tags:    []string{"from-plan", session},
			})
			if err != nil {
				s.logger.Warn("plan sync could not create item", "content", content, "error", err)
				continue
			}
			if err := s.db.SetChecklistStatus(ctx, item.ID, model.ChecklistDone); err != nil {
				s.logger.Warn("plan sync could not mark new item done", "id", item.ID, "error", err)
			}
			report.Created = append(report.Created, item.ID)
		}
	}
	return report, nil
}

// markDoneByRef resolves a short ref and marks the item done. On a prefix
// collision the oldest item wins with a warning.
func (s *Service) markDoneByRef(ctx context.Context, ref string) bool {
	matches, err := s.db.FindChecklistByShortRef(ctx, ref)
	if err != nil {
		s.logger.Warn("plan sync ref lookup failed", "ref", ref, "error", err)
		return false
	}
	if len(matches) == 0 {
		return false
	}
	if len(matches) > 1 {
		s.logger.Warn("plan sync short ref is ambiguous, using oldest match",
			"ref", ref, "matches", len(matches))
	}
	item := matches[0]
	if item.Status == model.ChecklistDone {
		return true
	}
	if err := s.db.SetChecklistStatus(ctx, item.ID, model.ChecklistDone); err != nil {
		s.logger.Warn("plan sync could not mark item done", "id", item.ID, "error", err)
		return false
	}
	return true
}
