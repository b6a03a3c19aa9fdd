// Package opsdocs serves operational knowledge kept as Markdown files in
// the project data directory. Each document may start with a YAML
// front-matter block declaring a title, trigger keywords, and tags; search
// matches queries against triggers, titles, and bodies with weighted
// scoring. Documents are read fresh from disk on every call so edits take
// effect without a restart.
package opsdocs

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kioku/internal/model"
)

// Doc is one operational document.
type Doc struct {
	Name     string   `json:"name"` // file name without extension
	Title    string   `json:"title"`
	Triggers []string `json:"triggers,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Body     string   `json:"body"`
}

// Match is a search hit with its relevance score and a body snippet.
type Match struct {
	Doc     Doc     `json:"doc"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet"`
}

// Library reads documents from a single directory.
type Library struct {
	dir    string
	logger *slog.Logger
}

// New creates a library over dir. The directory may not exist yet; an
// empty library is valid.
func New(dir string, logger *slog.Logger) *Library {
	if logger == nil {
		logger = slog.Default()
	}
	return &Library{dir: dir, logger: logger}
}

// frontMatter is the optional YAML header between `---` fences.
type frontMatter struct {
	Title    string   `yaml:"title"`
	Triggers []string `yaml:"triggers"`
	Tags     []string `yaml:"tags"`
}

var frontMatterRe = regexp.MustCompile(`(?s)\A---\s*\n(.*?)\n---\s*\n?`)

// List returns all documents, sorted by name.
func (l *Library) List() ([]Doc, error) {
	entries, err := os.ReadDir(l.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opsdocs: read %s: %w", l.dir, err)
	}

	var docs []Doc
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		doc, err := l.load(e.Name())
		if err != nil {
			l.logger.Warn("skipping unreadable operations doc", "file", e.Name(), "error", err)
			continue
		}
		docs = append(docs, *doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })
	return docs, nil
}

// Load returns one document by name, with or without the .md extension.
func (l *Library) Load(name string) (*Doc, error) {
	name = filepath.Base(name)
	if !strings.HasSuffix(name, ".md") {
		name += ".md"
	}
	doc, err := l.load(name)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("opsdocs: %s: %w", name, model.ErrNotFound)
	}
	return doc, err
}

func (l *Library) load(fileName string) (*Doc, error) {
	raw, err := os.ReadFile(filepath.Join(l.dir, fileName))
	if err != nil {
		return nil, err
	}

	doc := Doc{Name: strings.TrimSuffix(fileName, ".md")}
	body := raw
	if m := frontMatterRe.FindSubmatch(raw); m != nil {
		var fm frontMatter
		if err := yaml.Unmarshal(m[1], &fm); err != nil {
			return nil, fmt.Errorf("opsdocs: parse front matter of %s: %w", fileName, err)
		}
		doc.Title = fm.Title
		doc.Triggers = fm.Triggers
		doc.Tags = fm.Tags
		body = bytes.TrimPrefix(raw, m[0])
	}
	doc.Body = string(bytes.TrimSpace(body))
	if doc.Title == "" {
		doc.Title = doc.Name
	}
	return &doc, nil
}

// Scoring weights: an explicit trigger hit outranks a title hit, which
// outranks a plain body mention.
const (
	triggerWeight = 2.0
	titleWeight   = 1.5
	bodyWeight    = 1.0
)

// Search matches query terms against all documents and returns hits,
// best first. Matching is case-insensitive; whole-word hits are preferred
// and substring hits count at half weight.
func (l *Library) Search(query string, limit int) ([]Match, error) {
	terms := splitTerms(query)
	if len(terms) == 0 {
		return nil, model.Invalid("query", "must not be empty")
	}
	if limit <= 0 {
		limit = 5
	}

	docs, err := l.List()
	if err != nil {
		return nil, err
	}

	var matches []Match
	for _, doc := range docs {
		score := l.score(doc, terms)
		if score <= 0 {
			continue
		}
		matches = append(matches, Match{
			Doc:     doc,
			Score:   score,
			Snippet: snippet(doc.Body, terms),
		})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (l *Library) score(doc Doc, terms []string) float64 {
	title := strings.ToLower(doc.Title)
	body := strings.ToLower(doc.Body)

	var score float64
	for _, term := range terms {
		for _, trig := range doc.Triggers {
			score += triggerWeight * termHit(strings.ToLower(trig), term)
		}
		score += titleWeight * termHit(title, term)
		score += bodyWeight * termHit(body, term)
	}
	return score
}

// termHit scores one term against one text: 1.0 for a whole-word match,
// 0.5 for a substring match, 0 otherwise.
func termHit(text, term string) float64 {
	if !strings.Contains(text, term) {
		return 0
	}
	for _, word := range strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == ',' || r == '.' || r == ';' || r == ':' || r == '-' || r == '_' || r == '/'
	}) {
		if word == term {
			return 1.0
		}
	}
	return 0.5
}

func splitTerms(query string) []string {
	var terms []string
	for _, f := range strings.Fields(strings.ToLower(strings.TrimSpace(query))) {
		if f != "" {
			terms = append(terms, f)
		}
	}
	return terms
}

// snippet returns the first body line containing any term, falling back to
// the first non-empty line. Long lines are cut to 200 characters.
func snippet(body string, terms []string) string {
	lines := strings.Split(body, "\n")
	var fallback string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if fallback == "" {
			fallback = trimmed
		}
		lower := strings.ToLower(trimmed)
		for _, term := range terms {
			if strings.Contains(lower, term) {
				return cut(trimmed, 200)
			}
		}
	}
	return cut(fallback, 200)
}

func cut(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
