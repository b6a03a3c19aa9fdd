package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryItemValidate(t *testing.T) {
	base := func() MemoryItem {
		return MemoryItem{
			Layer:      LayerFact,
			Content:    "患者今天去了公园散步",
			Confidence: 0.9,
		}
	}

	t.Run("valid", func(t *testing.T) {
		m := base()
		require.NoError(t, m.Validate())
	})

	t.Run("empty content", func(t *testing.T) {
		m := base()
		m.Content = ""
		assert.Error(t, m.Validate())
	})

	t.Run("content at limit counts runes not bytes", func(t *testing.T) {
		m := base()
		m.Content = strings.Repeat("记", MaxContentLen)
		require.NoError(t, m.Validate())
		m.Content += "一"
		assert.Error(t, m.Validate())
	})

	t.Run("confidence out of range", func(t *testing.T) {
		m := base()
		m.Confidence = 1.01
		assert.Error(t, m.Validate())
		m.Confidence = -0.01
		assert.Error(t, m.Validate())
	})

	t.Run("unknown layer", func(t *testing.T) {
		m := base()
		m.Layer = "episodic"
		assert.Error(t, m.Validate())
	})
}

func TestMemoryItemPayloadRoundTrip(t *testing.T) {
	when := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	expires := when.Add(72 * time.Hour)
	m := MemoryItem{
		ID:         "5a7e0a5c-7d5e-4a88-b0cf-000000000001",
		ProjectID:  "demo",
		Layer:      LayerEventLog,
		Content:    "去医院复诊 [地点:人民医院; 人物:张医生]",
		Category:   "health",
		Confidence: 0.95,
		Source:     SourceUserInput,
		CreatedBy:  "cli",
		AgentID:    "agent-a",
		SessionID:  "sess-1",
		Keywords:   []string{"复诊", "医院"},
		IsActive:   true,
		CreatedAt:  when,
		UpdatedAt:  when,
		ExpiresAt:  &expires,
		When:       &when,
		Where:      "人民医院",
		Who:        []string{"张医生"},
		Metadata:   map[string]any{"origin": "test"},
	}

	p := m.Payload()
	got := ItemFromPayload(m.ID, p)

	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.Layer, got.Layer)
	assert.Equal(t, m.Content, got.Content)
	assert.Equal(t, m.Keywords, got.Keywords)
	assert.Equal(t, m.Who, got.Who)
	assert.True(t, got.IsActive)
	require.NotNil(t, got.When)
	assert.True(t, got.When.Equal(when))
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(expires))
	assert.Equal(t, "test", got.Metadata["origin"])

	// Filterable twins are present for range conditions.
	assert.Equal(t, float64(when.Unix()), p["when_unix"])
	assert.Equal(t, float64(expires.Unix()), p["expires_at_unix"])
}

func TestItemFromPayloadTolerant(t *testing.T) {
	got := ItemFromPayload("id-1", map[string]any{
		"layer":      "verified_fact",
		"content":    "x",
		"confidence": "not a number",
		"keywords":   []any{"a", 3, "b"},
		"created_at": "garbage",
	})
	assert.Equal(t, LayerFact, got.Layer)
	assert.Zero(t, got.Confidence)
	assert.Equal(t, []string{"a", "b"}, got.Keywords)
	assert.True(t, got.CreatedAt.IsZero())
}

func TestExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	m := MemoryItem{}
	assert.False(t, m.Expired(now), "no expiry never expires")

	m.ExpiresAt = &past
	assert.True(t, m.Expired(now))

	m.ExpiresAt = &future
	assert.False(t, m.Expired(now))

	m.ExpiresAt = &now
	assert.True(t, m.Expired(now), "boundary counts as expired")
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-0.2))
	assert.Equal(t, 1.0, Clamp01(1.000001))
	assert.Equal(t, 0.5, Clamp01(0.5))
}

func TestConfidenceGated(t *testing.T) {
	assert.True(t, ConfidenceGated(SourceAIExtraction))
	assert.True(t, ConfidenceGated(SourceExternalAI))
	assert.False(t, ConfidenceGated(SourceUserInput))
	assert.False(t, ConfidenceGated(SourcePromotedFromEvent))
	assert.False(t, ConfidenceGated(SourceCloudSync))
}
