// Package conflict provides rule-based conflict detection between memories.
// It compares a candidate against similar existing items and flags temporal
// overlap, source disagreement, and confidence divergence. Findings are
// advisory: nothing here ever blocks a write.
package conflict

import (
	"fmt"
	"math"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kioku/internal/model"
)

// Candidate pairs an item with its embedding for pairwise comparison.
type Candidate struct {
	Item   model.MemoryItem
	Vector pgvector.Vector
}

// Detector runs the rule set. Safe for concurrent use.
type Detector struct {
	// similarityThreshold gates all rules: items less similar than this
	// are unrelated, not in conflict.
	similarityThreshold float64
	// temporalOverlap is the window within which two events about the
	// same thing are suspicious.
	temporalOverlap time.Duration
	// confidenceDiff is the minimum confidence gap that counts as
	// disagreement.
	confidenceDiff float64
}

// Defaults match the tuned values of the rule set.
const (
	DefaultSimilarityThreshold = 0.85
	DefaultTemporalOverlapDays = 7
	DefaultConfidenceDiff      = 0.3
)

// New creates a detector. Non-positive arguments select the defaults.
func New(similarityThreshold float64, temporalOverlapDays int, confidenceDiff float64) *Detector {
	if similarityThreshold <= 0 {
		similarityThreshold = DefaultSimilarityThreshold
	}
	if temporalOverlapDays <= 0 {
		temporalOverlapDays = DefaultTemporalOverlapDays
	}
	if confidenceDiff <= 0 {
		confidenceDiff = DefaultConfidenceDiff
	}
	return &Detector{
		similarityThreshold: similarityThreshold,
		temporalOverlap:     time.Duration(temporalOverlapDays) * 24 * time.Hour,
		confidenceDiff:      confidenceDiff,
	}
}

// severityRank orders conflicts for Detect's "worst first" result.
var severityRank = map[string]int{"low": 0, "medium": 1, "high": 2}

// Detect compares the candidate against existing items and returns the
// single highest-severity conflict, or nil when none trigger.
func (d *Detector) Detect(cand Candidate, existing []Candidate) *model.Conflict {
	all := d.DetectAll(cand, existing)
	if len(all) == 0 {
		return nil
	}
	worst := all[0]
	for _, c := range all[1:] {
		if severityRank[c.Severity] > severityRank[worst.Severity] {
			worst = c
		}
	}
	return &worst
}

// DetectAll compares the candidate against every existing item and returns
// all triggered conflicts.
func (d *Detector) DetectAll(cand Candidate, existing []Candidate) []model.Conflict {
	var out []model.Conflict
	for _, ex := range existing {
		if ex.Item.ID == cand.Item.ID {
			continue
		}
		if c := d.compare(cand, ex); c != nil {
			out = append(out, *c)
		}
	}
	return out
}

// ScanProject pairwise-compares items (upper triangle) and returns all
// conflicts between unique pairs.
func (d *Detector) ScanProject(items []Candidate) []model.Conflict {
	var out []model.Conflict
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			if c := d.compare(items[i], items[j]); c != nil {
				out = append(out, *c)
			}
		}
	}
	return out
}

// compare applies the rule cascade to one pair.
func (d *Detector) compare(cand, ex Candidate) *model.Conflict {
	return d.Assess(cand.Item, ex.Item, Cosine(cand.Vector.Slice(), ex.Vector.Slice()))
}

// Assess applies the rule cascade to a pair with a precomputed similarity.
// Used directly when similarity comes from an index query instead of raw
// vectors. The first matching rule determines the conflict type; similarity
// below the threshold means no conflict at all.
func (d *Detector) Assess(cand, ex model.MemoryItem, sim float64) *model.Conflict {
	if sim < d.similarityThreshold {
		return nil
	}

	c := &model.Conflict{
		NewID:      cand.ID,
		ExistingID: ex.ID,
		Similarity: sim,
		Severity:   "medium",
	}
	// A lower-confidence newcomer contradicting an established memory is
	// the dangerous direction.
	if cand.Confidence < ex.Confidence {
		c.Severity = "high"
	}

	switch {
	case d.temporalConflict(cand, ex):
		c.Type = model.ConflictTemporal
		c.Detail = fmt.Sprintf("similar events more than %s apart (%s vs %s)",
			d.temporalOverlap, cand.When.Format(time.DateOnly), ex.When.Format(time.DateOnly))
	case cand.CreatedBy != "" && ex.CreatedBy != "" && cand.CreatedBy != ex.CreatedBy:
		c.Type = model.ConflictSource
		c.Detail = fmt.Sprintf("recorded by different sources (%s vs %s)", cand.CreatedBy, ex.CreatedBy)
	case math.Abs(cand.Confidence-ex.Confidence) >= d.confidenceDiff:
		c.Type = model.ConflictConfidence
		c.Detail = fmt.Sprintf("confidence differs by %.2f (%.2f vs %.2f)",
			math.Abs(cand.Confidence-ex.Confidence), cand.Confidence, ex.Confidence)
	default:
		c.Type = model.ConflictDuplicate
		c.Severity = "low"
		c.Detail = fmt.Sprintf("near-duplicate content (similarity %.2f)", sim)
	}
	return c
}

// temporalConflict reports whether both items are timestamped events whose
// times differ by more than the overlap window: very similar content claimed
// to have happened at clearly different times.
func (d *Detector) temporalConflict(a, b model.MemoryItem) bool {
	if a.When == nil || b.When == nil {
		return false
	}
	gap := a.When.Sub(*b.When)
	if gap < 0 {
		gap = -gap
	}
	return gap > d.temporalOverlap
}

// Cosine computes similarity with float64 accumulation. Length mismatch or
// a zero-magnitude vector scores zero rather than NaN.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		da, db := float64(a[i]), float64(b[i])
		dot += da * db
		normA += da * da
		normB += db * db
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
