package entities

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefinition_OverlayKeepsGraphOwnedFields(t *testing.T) {
	def := Concept()
	source := map[string]any{"name": "Trees", "description": "v2"}
	target := map[string]any{"name": "Trees", "description": "v1", "centrality": 0.7}

	out := def.Overlay(source, target)

	assert.Equal(t, map[string]any{"name": "Trees", "description": "v2", "centrality": 0.7}, out)
}

func TestDefinition_ChecksumIgnoresGraphOwnedFields(t *testing.T) {
	def := Concept()

	a, err := def.Checksum(map[string]any{"name": "Trees"})
	require.NoError(t, err)
	b, err := def.Checksum(map[string]any{"name": "Trees", "recommendation_score": 12})
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestDefinition_MergeIntoClearsNulls(t *testing.T) {
	def := Concept()
	current := map[string]any{"name": "Trees", "description": "old", "centrality": 0.2}

	out := def.MergeInto(current, map[string]any{"description": nil, "subject": "cs"})

	assert.Equal(t, map[string]any{"name": "Trees", "subject": "cs", "centrality": 0.2}, out)
	assert.Equal(t, "old", current["description"], "input must not be mutated")
}

func TestDefinition_Contains(t *testing.T) {
	def := Concept()
	state := map[string]any{"name": "Trees", "estimated_minutes": int64(15)}

	assert.True(t, def.Contains(state, map[string]any{"estimated_minutes": 15}))
	assert.True(t, def.Contains(state, map[string]any{"description": nil}))
	assert.False(t, def.Contains(state, map[string]any{"name": "Graphs"}))
	assert.False(t, def.Contains(state, map[string]any{"subject": "cs"}))
}

func TestDefinition_Diff(t *testing.T) {
	def := Concept()

	diffs := def.Diff(
		map[string]any{"name": "Trees", "subject": "cs"},
		map[string]any{"name": "Forests", "subject": "cs", "centrality": 1.0},
	)

	require.Len(t, diffs, 1)
	assert.Equal(t, "name", diffs[0].Field)
	assert.Equal(t, "Trees", diffs[0].SourceValue)
	assert.Equal(t, "Forests", diffs[0].TargetValue)
}

func TestDefinition_SourceColumns(t *testing.T) {
	assert.Equal(t, []string{"weight"}, ConceptRelationship().SourceColumns())
	assert.Equal(t, []string{"description", "difficulty", "estimated_minutes", "name", "subject", "tags"}, Concept().SourceColumns())
}
