package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeepMergeRecursesMaps(t *testing.T) {
	dst := map[string]any{
		"print": map[string]any{"gcode_state": "RUNNING", "mc_percent": 10},
	}
	DeepMerge(dst, map[string]any{
		"print": map[string]any{"mc_percent": 42},
	})
	assert.Equal(t, "RUNNING", dst["print"].(map[string]any)["gcode_state"])
	assert.Equal(t, 42, dst["print"].(map[string]any)["mc_percent"])
}

func TestDeepMergeSentinels(t *testing.T) {
	dst := map[string]any{
		"layer":   "12/120",
		"nozzle":  "0.4",
		"file":    "cube.3mf",
		"percent": 42,
	}
	DeepMerge(dst, map[string]any{
		"layer":   "0/0",
		"nozzle":  "?",
		"file":    "",
		"percent": nil,
		"wifi":    "   ",
	})
	assert.Equal(t, "12/120", dst["layer"])
	assert.Equal(t, "0.4", dst["nozzle"])
	assert.Equal(t, "cube.3mf", dst["file"])
	assert.Equal(t, 42, dst["percent"])
	assert.NotContains(t, dst, "wifi")
}

func TestDeepMergeReplacesListsAndScalars(t *testing.T) {
	dst := map[string]any{"stg": []any{1, 2}, "on": true}
	DeepMerge(dst, map[string]any{"stg": []any{3}, "on": false})
	assert.Equal(t, []any{3}, dst["stg"])
	assert.Equal(t, false, dst["on"])
}

func TestDeepMergeIdentity(t *testing.T) {
	dst := map[string]any{"a": 1, "b": map[string]any{"c": "x"}}
	DeepMerge(dst, map[string]any{})
	assert.Equal(t, map[string]any{"a": 1, "b": map[string]any{"c": "x"}}, dst)
}

// Merging P1 then P2 equals merging merge(P1, P2) in one shot.
func TestDeepMergeAssociativity(t *testing.T) {
	p1 := map[string]any{"print": map[string]any{"a": 1, "b": "x"}}
	p2 := map[string]any{"print": map[string]any{"b": "?", "c": 3}}

	seq := DeepMerge(map[string]any{}, p1)
	DeepMerge(seq, p2)

	combined := DeepMerge(DeepMerge(map[string]any{}, p1), p2)
	oneShot := DeepMerge(map[string]any{}, combined)

	assert.Equal(t, oneShot, seq)
}

func TestDeepMergeCopiesNestedMaps(t *testing.T) {
	src := map[string]any{"ams": map[string]any{"humidity": "4"}}
	dst := DeepMerge(map[string]any{}, src)
	src["ams"].(map[string]any)["humidity"] = "5"
	assert.Equal(t, "4", dst["ams"].(map[string]any)["humidity"])
}
