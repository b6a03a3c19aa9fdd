// Package model defines the core domain types shared across kioku:
// memory layers, memory items, approval queue records, and the error
// taxonomy used by every transport surface.
package model

import (
	"fmt"
	"strings"
)

// Layer identifies one of the five cognitive memory layers.
type Layer string

const (
	// LayerIdentity (L0) holds the project constitution: who the assistant
	// is and the rules it must not violate. Writes go through the approval
	// workflow, never through AddMemory.
	LayerIdentity Layer = "identity_schema"

	// LayerContext (L1) is session-scoped working memory. Entries live in
	// the in-process cache and are never persisted to the index.
	LayerContext Layer = "active_context"

	// LayerEventLog (L2) is the episodic record: things that happened,
	// scoped per agent and usually expiring.
	LayerEventLog Layer = "event_log"

	// LayerFact (L3) holds verified semantic facts shared across agents.
	LayerFact Layer = "verified_fact"

	// LayerOperational (L4) holds procedural knowledge: runbooks and
	// how-to documents.
	LayerOperational Layer = "operational_knowledge"
)

// layerAliases maps user-facing shorthand to canonical layer names.
// Canonical names map to themselves so normalization is idempotent.
var layerAliases = map[string]Layer{
	"identity_schema":       LayerIdentity,
	"constitution":          LayerIdentity,
	"active_context":        LayerContext,
	"working_memory":        LayerContext,
	"event_log":             LayerEventLog,
	"session":               LayerEventLog,
	"verified_fact":         LayerFact,
	"fact":                  LayerFact,
	"operational_knowledge": LayerOperational,
	"operational":           LayerOperational,
}

// NormalizeLayer resolves a raw layer string (case-insensitive, surrounding
// whitespace ignored) to its canonical Layer. Unknown names return a
// ValidationError listing the accepted values.
func NormalizeLayer(raw string) (Layer, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if l, ok := layerAliases[key]; ok {
		return l, nil
	}
	return "", &ValidationError{
		Field:  "layer",
		Reason: fmt.Sprintf("unknown layer %q (accepted: identity_schema/constitution, active_context, event_log/session, verified_fact/fact, operational_knowledge)", raw),
	}
}

// Valid reports whether l is one of the five canonical layers.
func (l Layer) Valid() bool {
	switch l {
	case LayerIdentity, LayerContext, LayerEventLog, LayerFact, LayerOperational:
		return true
	}
	return false
}

// Persistent reports whether items in this layer are written to the vector
// index. Working memory (L1) lives only in the session cache.
func (l Layer) Persistent() bool {
	return l != LayerContext
}

// AllLayers returns the five canonical layers in L0..L4 order.
func AllLayers() []Layer {
	return []Layer{LayerIdentity, LayerContext, LayerEventLog, LayerFact, LayerOperational}
}
