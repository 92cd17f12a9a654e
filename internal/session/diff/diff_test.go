package diff

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stateWithOnePage() map[string]interface{} {
	return map[string]interface{}{
		"activePageId": "p1",
		"pages": []interface{}{
			map[string]interface{}{
				"id":      "p1",
				"strokes": []interface{}{},
				"assets":  []interface{}{},
			},
		},
	}
}

func strokesOf(t *testing.T, state map[string]interface{}, pageIdx int) []interface{} {
	t.Helper()
	pages, ok := state["pages"].([]interface{})
	require.True(t, ok)
	require.Greater(t, len(pages), pageIdx)
	page := pages[pageIdx].(map[string]interface{})
	return page["strokes"].([]interface{})
}

func TestApplyAddStroke(t *testing.T) {
	state := stateWithOnePage()

	next, err := Apply(state, []Operation{
		{Op: "add", Kind: "stroke", Value: map[string]interface{}{"id": "s1", "points": []interface{}{}}},
	})
	require.NoError(t, err)

	strokes := strokesOf(t, next, 0)
	require.Len(t, strokes, 1)
	assert.Equal(t, "s1", strokes[0].(map[string]interface{})["id"])

	// Original state is untouched.
	assert.Empty(t, strokesOf(t, state, 0))
}

func TestApplyAddDuplicateFails(t *testing.T) {
	state := stateWithOnePage()
	ops := []Operation{
		{Op: "add", Kind: "stroke", Value: map[string]interface{}{"id": "s1"}},
		{Op: "add", Kind: "stroke", Value: map[string]interface{}{"id": "s1"}},
	}

	_, err := Apply(state, ops)
	require.Error(t, err)
	var opErr *OpError
	assert.ErrorAs(t, err, &opErr)
	assert.Contains(t, err.Error(), "already exists")
}

func TestApplyAddRequiresValueWithID(t *testing.T) {
	state := stateWithOnePage()

	_, err := Apply(state, []Operation{{Op: "add", Kind: "stroke"}})
	assert.Error(t, err)

	_, err = Apply(state, []Operation{{Op: "add", Kind: "asset", Value: map[string]interface{}{"src": "x.png"}}})
	assert.Error(t, err)
}

func TestApplyUpdateMergesAndKeepsID(t *testing.T) {
	state := stateWithOnePage()
	state["pages"].([]interface{})[0].(map[string]interface{})["strokes"] = []interface{}{
		map[string]interface{}{"id": "s1", "color": "black", "width": float64(2)},
	}

	next, err := Apply(state, []Operation{
		{Op: "update", Kind: "stroke", ID: "s1", Patch: map[string]interface{}{
			"id":    "evil",
			"color": "red",
		}},
	})
	require.NoError(t, err)

	item := strokesOf(t, next, 0)[0].(map[string]interface{})
	assert.Equal(t, "s1", item["id"], "id is immutable under update")
	assert.Equal(t, "red", item["color"])
	assert.Equal(t, float64(2), item["width"])
}

func TestApplyUpdateMissingItemFails(t *testing.T) {
	state := stateWithOnePage()
	_, err := Apply(state, []Operation{
		{Op: "update", Kind: "stroke", ID: "nope", Patch: map[string]interface{}{"color": "red"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestApplyRemoveMissingItemFails(t *testing.T) {
	state := stateWithOnePage()
	_, err := Apply(state, []Operation{{Op: "remove", Kind: "asset", ID: "a1"}})
	assert.Error(t, err)
}

func TestApplyAddThenRemoveRestoresDigest(t *testing.T) {
	state := stateWithOnePage()
	base, err := Apply(state, nil)
	require.NoError(t, err)
	baseDigest := Digest(base)

	next, err := Apply(base, []Operation{
		{Op: "add", Kind: "stroke", Value: map[string]interface{}{"id": "s1", "points": []interface{}{}}},
	})
	require.NoError(t, err)
	assert.NotEqual(t, baseDigest, Digest(next))

	reverted, err := Apply(next, []Operation{{Op: "remove", Kind: "stroke", ID: "s1"}})
	require.NoError(t, err)
	assert.Equal(t, baseDigest, Digest(reverted))
}

func TestApplyMetaOps(t *testing.T) {
	state := stateWithOnePage()

	next, err := Apply(state, []Operation{
		{Op: "add", Kind: "meta", Value: map[string]interface{}{"theme": "dark"}},
		{Op: "update", Kind: "meta", Patch: map[string]interface{}{"zoom": float64(2)}},
	})
	require.NoError(t, err)

	meta := next["meta"].(map[string]interface{})
	assert.Equal(t, "dark", meta["theme"])
	assert.Equal(t, float64(2), meta["zoom"])

	// Removing an absent key is a tolerated no-op.
	next, err = Apply(next, []Operation{{Op: "remove", Kind: "meta", ID: "missing"}})
	require.NoError(t, err)

	next, err = Apply(next, []Operation{{Op: "remove", Kind: "meta", ID: "theme"}})
	require.NoError(t, err)
	meta = next["meta"].(map[string]interface{})
	assert.NotContains(t, meta, "theme")
}

func TestApplyMetaRequiresObjectPayload(t *testing.T) {
	state := stateWithOnePage()
	_, err := Apply(state, []Operation{{Op: "add", Kind: "meta"}})
	assert.Error(t, err)
}

func TestApplyUnknownOpAndKind(t *testing.T) {
	state := stateWithOnePage()

	_, err := Apply(state, []Operation{{Op: "merge", Kind: "stroke"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported op "merge"`)

	_, err = Apply(state, []Operation{{Op: "add", Kind: "shape", Value: map[string]interface{}{"id": "x"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported kind "shape"`)
}

func TestApplySynthesizesPage(t *testing.T) {
	next, err := Apply(map[string]interface{}{}, []Operation{
		{Op: "add", Kind: "stroke", Value: map[string]interface{}{"id": "s1"}},
	})
	require.NoError(t, err)

	pages := next["pages"].([]interface{})
	require.Len(t, pages, 1)
	assert.Equal(t, "page-1", pages[0].(map[string]interface{})["id"])
	assert.Equal(t, "page-1", next["activePageId"])
	require.Len(t, strokesOf(t, next, 0), 1)
}

func TestApplyPageResolutionOrder(t *testing.T) {
	state := map[string]interface{}{
		"activePageId": "p2",
		"pages": []interface{}{
			map[string]interface{}{"id": "p1", "strokes": []interface{}{}, "assets": []interface{}{}},
			map[string]interface{}{"id": "p2", "strokes": []interface{}{}, "assets": []interface{}{}},
		},
	}

	// Explicit page_id on the op wins.
	next, err := Apply(state, []Operation{
		{Op: "add", Kind: "stroke", PageID: "p1", Value: map[string]interface{}{"id": "a"}},
	})
	require.NoError(t, err)
	assert.Len(t, strokesOf(t, next, 0), 1)

	// page_id inside the value is next.
	next, err = Apply(state, []Operation{
		{Op: "add", Kind: "stroke", Value: map[string]interface{}{"id": "b", "page_id": "p1"}},
	})
	require.NoError(t, err)
	assert.Len(t, strokesOf(t, next, 0), 1)

	// Otherwise the active page.
	next, err = Apply(state, []Operation{
		{Op: "add", Kind: "stroke", Value: map[string]interface{}{"id": "c"}},
	})
	require.NoError(t, err)
	assert.Len(t, strokesOf(t, next, 1), 1)

	// Unknown target falls back to the first page.
	next, err = Apply(state, []Operation{
		{Op: "add", Kind: "stroke", PageID: "p9", Value: map[string]interface{}{"id": "d"}},
	})
	require.NoError(t, err)
	assert.Len(t, strokesOf(t, next, 0), 1)
}

func TestDigestDeterministic(t *testing.T) {
	a := map[string]interface{}{"b": float64(2), "a": float64(1), "nested": map[string]interface{}{"y": "z", "x": "w"}}
	b := map[string]interface{}{"nested": map[string]interface{}{"x": "w", "y": "z"}, "a": float64(1), "b": float64(2)}

	assert.Equal(t, Digest(a), Digest(b))
	assert.NotEqual(t, Digest(a), Digest(map[string]interface{}{"a": float64(1)}))
	assert.Equal(t, Digest(nil), Digest(map[string]interface{}{}))
}

func TestCanonicalMatchesDigest(t *testing.T) {
	state := stateWithOnePage()
	payload := Canonical(state)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, Digest(state), Digest(decoded))
}

func TestOperationJSONShape(t *testing.T) {
	raw := `{"op":"add","kind":"stroke","page_id":"p1","value":{"id":"s1","points":[[0,0],[1,1]]}}`
	var op Operation
	require.NoError(t, json.Unmarshal([]byte(raw), &op))
	assert.Equal(t, "add", op.Op)
	assert.Equal(t, "p1", op.PageID)
	assert.Equal(t, "s1", op.Value["id"])
}
