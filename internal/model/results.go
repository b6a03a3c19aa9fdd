package model

import "time"

// SearchResult pairs a memory item with its relevance score in [0, 1].
type SearchResult struct {
	Item  MemoryItem `json:"item"`
	Score float64    `json:"score"`
}

// AddStatus describes the outcome of an AddMemory call.
type AddStatus string

const (
	// AddSaved means the item is live in the index.
	AddSaved AddStatus = "saved"
	// AddPending means the item was parked in the review queue.
	AddPending AddStatus = "pending"
	// AddRejectedLowConfidence means the extraction fell below the
	// confidence floor and was discarded.
	AddRejectedLowConfidence AddStatus = "rejected_low_confidence"
	// AddBlocked means the safety filter refused the content.
	AddBlocked AddStatus = "blocked"
)

// AddResult is the outcome of a memory write. ID is nil unless the item was
// saved directly; queued items carry PendingID instead. Blocked and
// low-confidence outcomes are results, not errors.
type AddResult struct {
	ID        *string    `json:"id"`
	Status    AddStatus  `json:"status"`
	PendingID string     `json:"pending_id,omitempty"`
	Reasons   []string   `json:"reasons,omitempty"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

// ConflictType classifies why two memories contradict each other.
type ConflictType string

const (
	ConflictTemporal   ConflictType = "temporal_conflict"
	ConflictSource     ConflictType = "source_conflict"
	ConflictConfidence ConflictType = "confidence_conflict"
	ConflictDuplicate  ConflictType = "potential_duplicate"
)

// Conflict is an advisory finding between a new memory and an existing one.
// Detection never blocks a write.
type Conflict struct {
	Type       ConflictType `json:"type"`
	Severity   string       `json:"severity"` // low, medium, high
	NewID      string       `json:"new_id,omitempty"`
	ExistingID string       `json:"existing_id"`
	Similarity float64      `json:"similarity"`
	Detail     string       `json:"detail,omitempty"`
}

// ConstitutionItem is one L0 identity rule.
type ConstitutionItem struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Category string `json:"category,omitempty"`
	Priority int    `json:"priority,omitempty"`
	Source   string `json:"source"` // "file" or "index"
}

// Constitution is the full L0 snapshot returned by GetConstitution.
type Constitution struct {
	Items    []ConstitutionItem `json:"items"`
	Guidance string             `json:"guidance,omitempty"`
}

// Stats is a point-in-time snapshot of store sizes.
type Stats struct {
	ProjectID    string           `json:"project_id"`
	ByLayer      map[Layer]uint64 `json:"by_layer"`
	Pending      PendingStats     `json:"pending"`
	CacheEntries int              `json:"cache_entries"`
	GeneratedAt  time.Time        `json:"generated_at"`
}

// SyncReport summarizes one push or pull run.
type SyncReport struct {
	Pushed    int      `json:"pushed"`
	Pulled    int      `json:"pulled"`
	Conflicts int      `json:"conflicts"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}
