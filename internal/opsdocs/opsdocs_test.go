package opsdocs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kioku/internal/model"
)

func writeDoc(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

const qdrantDoc = `---
title: Qdrant startup
triggers: [qdrant, "502"]
tags: [infra]
---
When the vector index reports 502 Bad Gateway, restart the qdrant
container and re-run the health probe.
`

const sessionDoc = `---
title: Session start workflow
triggers: [session]
---
Load the checklist briefing, then pull the constitution.
`

func TestListAndLoad(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "sop-qdrant.md", qdrantDoc)
	writeDoc(t, dir, "workflow-session.md", sessionDoc)
	writeDoc(t, dir, "ignored.txt", "not markdown")

	lib := New(dir, nil)
	docs, err := lib.List()
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "sop-qdrant", docs[0].Name)
	assert.Equal(t, "Qdrant startup", docs[0].Title)
	assert.Equal(t, []string{"qdrant", "502"}, docs[0].Triggers)
	assert.Equal(t, []string{"infra"}, docs[0].Tags)
	assert.Contains(t, docs[0].Body, "restart the qdrant")
	assert.NotContains(t, docs[0].Body, "---", "front matter stripped")

	got, err := lib.Load("workflow-session")
	require.NoError(t, err)
	assert.Equal(t, "Session start workflow", got.Title)

	_, err = lib.Load("missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestLoadWithoutFrontMatter(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "plain.md", "Just a body.\n")

	got, err := New(dir, nil).Load("plain.md")
	require.NoError(t, err)
	assert.Equal(t, "plain", got.Title, "title defaults to file name")
	assert.Equal(t, "Just a body.", got.Body)
}

func TestSearchScoring(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "sop-qdrant.md", qdrantDoc)
	writeDoc(t, dir, "workflow-session.md", sessionDoc)

	lib := New(dir, nil)

	// Trigger hit outranks a body-only mention.
	got, err := lib.Search("qdrant", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "sop-qdrant", got[0].Doc.Name)
	assert.Greater(t, got[0].Score, 2.0, "trigger + title + body hits accumulate")
	assert.Contains(t, got[0].Snippet, "qdrant")

	got, err = lib.Search("checklist briefing", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "workflow-session", got[0].Doc.Name)
}

func TestSearchSubstringFallback(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "sop-qdrant.md", qdrantDoc)

	// "qdran" is not a whole word anywhere but matches as a substring.
	got, err := New(dir, nil).Search("qdran", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Less(t, got[0].Score, 2.0)
}

func TestSearchEmptyQuery(t *testing.T) {
	_, err := New(t.TempDir(), nil).Search("   ", 5)
	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestMissingDirIsEmptyLibrary(t *testing.T) {
	lib := New(filepath.Join(t.TempDir(), "nope"), nil)
	docs, err := lib.List()
	require.NoError(t, err)
	assert.Empty(t, docs)

	got, err := lib.Search("anything", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}
