package jsondiff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catherinevee/integraudit/internal/models"
)

func TestDiffReplace(t *testing.T) {
	before := map[string]interface{}{"connectorEdition": "premium", "general": map[string]interface{}{"locale": "en"}}
	after := map[string]interface{}{"connectorEdition": "starter", "general": map[string]interface{}{"locale": "en"}}

	ops := Diff(before, after)
	require.Len(t, ops, 1)
	assert.Equal(t, "replace", ops[0].Op)
	assert.Equal(t, "/connectorEdition", ops[0].Path)
	assert.Equal(t, "starter", ops[0].Value)
	assert.Equal(t, "premium", ops[0].OldValue)
}

func TestDiffAddRemove(t *testing.T) {
	before := map[string]interface{}{"a": 1}
	after := map[string]interface{}{"b": 2}

	ops := Diff(before, after)
	require.Len(t, ops, 2)

	byOp := map[string]models.DiffOp{}
	for _, op := range ops {
		byOp[op.Op] = op
	}
	assert.Equal(t, "/b", byOp["add"].Path)
	assert.Equal(t, "/a", byOp["remove"].Path)
}

func TestDiffIdentical(t *testing.T) {
	doc := map[string]interface{}{"x": []interface{}{1.0, 2.0}}
	assert.Empty(t, Diff(doc, doc))
}

func TestApplyInvertRoundTrip(t *testing.T) {
	before := map[string]interface{}{
		"connectorEdition": "premium",
		"general":          map[string]interface{}{"locale": "en", "tz": "UTC"},
		"sections":         []interface{}{map[string]interface{}{"id": "s1", "mode": "on"}},
	}
	after := map[string]interface{}{
		"connectorEdition": "starter",
		"general":          map[string]interface{}{"locale": "fr"},
		"sections":         []interface{}{map[string]interface{}{"id": "s1", "mode": "on"}},
		"flags":            map[string]interface{}{"beta": true},
	}

	ops := Diff(before, after)
	require.NotEmpty(t, ops)

	patched, err := Apply(before, ops)
	require.NoError(t, err)
	assert.Empty(t, Diff(patched, after), "apply should reproduce the after document")

	restored, err := Apply(patched, Invert(ops))
	require.NoError(t, err)
	assert.Empty(t, Diff(restored, before), "inverse should restore the before document")
}

func TestApplyArrayReplace(t *testing.T) {
	doc := map[string]interface{}{"items": []interface{}{"a", "b"}}
	out, err := Apply(doc, []models.DiffOp{{Op: "replace", Path: "/items/1", Value: "c", OldValue: "b"}})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "c"}, out.(map[string]interface{})["items"])
}

func TestApplyMissingPath(t *testing.T) {
	_, err := Apply(map[string]interface{}{}, []models.DiffOp{{Op: "remove", Path: "/missing/child"}})
	assert.Error(t, err)
}

func TestPointerEscaping(t *testing.T) {
	before := map[string]interface{}{"a/b": 1}
	after := map[string]interface{}{"a/b": 2}

	ops := Diff(before, after)
	require.Len(t, ops, 1)
	assert.Equal(t, "/a~1b", ops[0].Path)

	patched, err := Apply(before, ops)
	require.NoError(t, err)
	assert.Empty(t, Diff(patched, after))
}
