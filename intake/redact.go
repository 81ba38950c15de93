package intake

import "strings"

// redact returns a copy of m with every configured dot path replaced by the
// redaction placeholder. Missing paths are ignored; the input is not mutated.
func redact(m map[string]any, paths []string) map[string]any {
	if m == nil || len(paths) == 0 {
		return m
	}
	out := deepCopy(m)
	for _, path := range paths {
		applyRedaction(out, strings.Split(path, "."))
	}
	return out
}

func applyRedaction(m map[string]any, segments []string) {
	if len(segments) == 0 {
		return
	}
	key := segments[0]
	if len(segments) == 1 {
		if _, ok := m[key]; ok {
			m[key] = redactedPlaceholder
		}
		return
	}
	child, ok := m[key].(map[string]any)
	if !ok {
		return
	}
	applyRedaction(child, segments[1:])
}

func deepCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]any:
			out[k] = deepCopy(t)
		case []any:
			cp := make([]any, len(t))
			for i, e := range t {
				if child, ok := e.(map[string]any); ok {
					cp[i] = deepCopy(child)
				} else {
					cp[i] = e
				}
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
