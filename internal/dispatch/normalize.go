package dispatch

import (
	"encoding/json"
	"strings"
)

// normalizeParams decodes a params blob into a generic value and rewrites
// every camelCase object key to snake_case, so handlers can always decode
// into structs using the codebase's snake_case convention regardless of
// which form the caller sent, per §6 "the dispatcher accepts both and
// normalizes internally".
func normalizeParams(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	normalized := normalizeValue(v)
	return json.Marshal(normalized)
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[camelToSnake(k)] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}

// camelToSnake converts "fooBarBaz" to "foo_bar_baz". Strings already in
// snake_case (or any other case without uppercase runs) pass through
// unchanged.
func camelToSnake(s string) string {
	if !strings.ContainsAny(s, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
