package state

import "strings"

// DeepMerge merges src into dst in place and returns dst. Maps merge
// recursively; every other value replaces. Sentinel values are skipped so a
// partial report never clobbers richer prior state: the printer pads unset
// fields with nil, "", "?", "0/0", or whitespace.
//
// The sentinel set must stay exactly as-is to remain bit-compatible with
// the diff stream consumed by clients.
func DeepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		if isSentinel(value) {
			continue
		}
		if srcMap, ok := value.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				dst[key] = DeepMerge(dstMap, srcMap)
				continue
			}
			// Copy so later merges never alias the caller's payload.
			dst[key] = DeepMerge(map[string]any{}, srcMap)
			continue
		}
		dst[key] = value
	}
	return dst
}

func isSentinel(value any) bool {
	if value == nil {
		return true
	}
	s, ok := value.(string)
	if !ok {
		return false
	}
	switch {
	case s == "":
		return true
	case s == "?":
		return true
	case s == "0/0":
		return true
	case strings.TrimSpace(s) == "":
		return true
	}
	return false
}
