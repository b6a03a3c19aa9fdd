// Package refine compacts search results into a token-bounded digest.
// The deterministic path applies observation masking: the most recent
// items stay verbatim, older ones are compressed to a prefix. An optional
// LLM-backed variant rewrites the digest through a chat endpoint and falls
// back to the deterministic output on any failure.
package refine

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ashita-ai/kioku/internal/model"
)

// Defaults for the masking strategy.
const (
	DefaultKeepRecent = 3
	compressedLen     = 100
	omissionMarker    = "\n\n[... older memories omitted ...]"
)

// Result is the outcome of one refinement.
type Result struct {
	Content          string  `json:"content"`
	OriginalCount    int     `json:"original_count"`
	OriginalTokens   int     `json:"original_tokens"`
	RefinedTokens    int     `json:"refined_tokens"`
	CompressionRatio float64 `json:"compression_ratio"`
	Refiner          string  `json:"refiner"` // "masking" or the LLM model name
}

// Refiner is the deterministic compactor. Zero keepRecent selects the
// default.
type Refiner struct {
	keepRecent int
}

// New creates a deterministic refiner.
func New(keepRecent int) *Refiner {
	if keepRecent <= 0 {
		keepRecent = DefaultKeepRecent
	}
	return &Refiner{keepRecent: keepRecent}
}

// EstimateTokens roughly converts characters to tokens. Mixed CJK and
// Latin content averages out near two characters per token.
func EstimateTokens(s string) int {
	return len(s)/2 + 1
}

// Refine compacts results into a digest no larger than maxTokens. Results
// are assumed newest-first, the order SearchMemory returns them in.
func (r *Refiner) Refine(_ context.Context, query string, results []model.SearchResult, maxTokens int) (*Result, error) {
	if maxTokens <= 0 {
		maxTokens = 500
	}
	if len(results) == 0 {
		return &Result{CompressionRatio: 1.0, Refiner: "masking"}, nil
	}

	full := formatSections(results, r.keepRecent)
	originalTokens := EstimateTokens(full)

	content := trimToBudget(results, r.keepRecent, maxTokens)
	refinedTokens := EstimateTokens(content)

	ratio := 1.0
	if originalTokens > 0 {
		ratio = float64(refinedTokens) / float64(originalTokens)
	}
	return &Result{
		Content:          content,
		OriginalCount:    len(results),
		OriginalTokens:   originalTokens,
		RefinedTokens:    refinedTokens,
		CompressionRatio: ratio,
		Refiner:          "masking",
	}, nil
}

// formatSections renders results as numbered Markdown sections, masking
// items past the keep-recent window.
func formatSections(results []model.SearchResult, keepRecent int) string {
	var b strings.Builder
	for i, res := range results {
		masked := i >= keepRecent
		content := res.Item.Content
		if masked {
			content = compress(content)
		}

		header := fmt.Sprintf("### Memory %d [%s]", i+1, res.Item.Layer)
		if res.Score > 0 {
			header += fmt.Sprintf(" (relevance: %.2f)", res.Score)
		}
		if !res.Item.CreatedAt.IsZero() {
			header += " @ " + res.Item.CreatedAt.Format("2006-01-02 15:04")
		}
		if masked {
			header += " [COMPRESSED]"
		}

		b.WriteString(header)
		b.WriteString("\n")
		b.WriteString(content)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// trimToBudget drops whole sections from the tail until the digest fits.
// When even the first section alone overflows, its content is cut to a
// head+tail excerpt with an omission marker.
func trimToBudget(results []model.SearchResult, keepRecent, maxTokens int) string {
	for n := len(results); n >= 1; n-- {
		candidate := formatSections(results[:n], keepRecent)
		if n < len(results) {
			candidate += omissionMarker
		}
		if EstimateTokens(candidate) <= maxTokens {
			return candidate
		}
	}

	// A single section overflows: keep its head and tail. Cut points snap
	// to rune boundaries so CJK content never yields invalid UTF-8.
	single := formatSections(results[:1], keepRecent)
	budget := maxTokens * 2 // tokens back to bytes
	if budget >= len(single) || budget < 8 {
		return single
	}
	head := budget * 2 / 3
	for head > 0 && !utf8.RuneStart(single[head]) {
		head--
	}
	tail := len(single) - (budget - (budget * 2 / 3))
	for tail < len(single) && !utf8.RuneStart(single[tail]) {
		tail++
	}
	return single[:head] + "\n[...]\n" + single[tail:]
}

func compress(content string) string {
	r := []rune(content)
	if len(r) <= compressedLen {
		return content
	}
	return string(r[:compressedLen]) + "..."
}
