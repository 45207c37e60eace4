package archive

import (
	"encoding/json"
	"strings"
)

// FlattenText collapses the content shapes found in provider exports into a
// single string.
//
// Handled shapes:
//   - a plain JSON string
//   - {"parts": [...]} where each part is a string or an object
//   - a JSON array of parts
//   - a part object carrying one of the common text keys
//     ("text", "content", "value")
//
// Text parts are joined with newlines. Non-text parts (image pointers,
// tool payloads without a text field) are skipped. Returns "" when nothing
// textual is found.
func FlattenText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	parts := collectText(v, nil)
	return strings.Join(parts, "\n")
}

// collectText walks v appending every text fragment it finds, in order.
func collectText(v any, acc []string) []string {
	switch t := v.(type) {
	case string:
		if t != "" {
			acc = append(acc, t)
		}
	case []any:
		for _, item := range t {
			acc = collectText(item, acc)
		}
	case map[string]any:
		if parts, ok := t["parts"]; ok {
			return collectText(parts, acc)
		}
		for _, key := range []string{"text", "content", "value"} {
			if s, ok := t[key].(string); ok && s != "" {
				return append(acc, s)
			}
			if inner, ok := t[key]; ok {
				if _, isString := inner.(string); !isString && inner != nil {
					return collectText(inner, acc)
				}
			}
		}
	}
	return acc
}
