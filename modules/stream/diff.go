package stream

import "encoding/json"

// computeDiff compares two serialized snapshots and returns changed leaf
// values keyed by dotted path. Keys that disappeared map to nil so
// clients can delete them.
func computeDiff(prev, next map[string]any) map[string]any {
	diff := map[string]any{}
	walkDiff("", prev, next, diff)
	return diff
}

func walkDiff(prefix string, prev, next map[string]any, diff map[string]any) {
	for key, nextVal := range next {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		prevVal, existed := prev[key]

		nextMap, nextIsMap := nextVal.(map[string]any)
		prevMap, prevIsMap := prevVal.(map[string]any)
		if nextIsMap && prevIsMap {
			walkDiff(path, prevMap, nextMap, diff)
			continue
		}
		if nextIsMap {
			// New or replaced subtree, emit each leaf.
			walkDiff(path, map[string]any{}, nextMap, diff)
			continue
		}
		if !existed || !leafEqual(prevVal, nextVal) {
			diff[path] = nextVal
		}
	}

	for key, prevVal := range prev {
		if _, ok := next[key]; ok {
			continue
		}
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if prevMap, ok := prevVal.(map[string]any); ok {
			markRemoved(path, prevMap, diff)
			continue
		}
		diff[path] = nil
	}
}

func markRemoved(prefix string, prev map[string]any, diff map[string]any) {
	for key, val := range prev {
		path := prefix + "." + key
		if sub, ok := val.(map[string]any); ok {
			markRemoved(path, sub, diff)
			continue
		}
		diff[path] = nil
	}
}

// leafEqual compares non-map values. Slices and scalars both roundtrip
// through JSON, so byte comparison is exact.
func leafEqual(a, b any) bool {
	if a == b {
		return true
	}
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}
