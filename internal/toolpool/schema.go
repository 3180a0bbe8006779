package toolpool

import "strings"

// sanitizeName collapses characters that collide with the "<server>_<tool>"
// naming scheme or are unsafe in identifiers.
func sanitizeName(s string) string {
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, ":", "_")
	return s
}

// sanitizeSchema normalizes a JSON schema map in place so strict consumers
// accept it: object schemas always carry a properties map, array schemas
// always carry an items schema, and required is always []string.
func sanitizeSchema(s map[string]any) {
	hasType := func(v any, want string) bool {
		switch tt := v.(type) {
		case string:
			return tt == want
		case []any:
			for _, x := range tt {
				if xs, ok := x.(string); ok && xs == want {
					return true
				}
			}
		case []string:
			for _, xs := range tt {
				if xs == want {
					return true
				}
			}
		}
		return false
	}

	if hasType(s["type"], "object") {
		if _, ok := s["properties"].(map[string]any); !ok {
			s["properties"] = map[string]any{}
		}
	}
	if hasType(s["type"], "array") {
		if _, ok := s["items"].(map[string]any); !ok {
			s["items"] = map[string]any{"type": "string"}
		}
	}
	if props, ok := s["properties"].(map[string]any); ok {
		for _, v := range props {
			if m, ok := v.(map[string]any); ok {
				sanitizeSchema(m)
			}
		}
	}
	if it, ok := s["items"].(map[string]any); ok {
		sanitizeSchema(it)
	}
	for _, key := range []string{"oneOf", "anyOf", "allOf"} {
		if arr, ok := s[key].([]any); ok {
			for _, v := range arr {
				if m, ok := v.(map[string]any); ok {
					sanitizeSchema(m)
				}
			}
		}
	}
	if req, ok := s["required"]; ok {
		if rr, ok := req.([]any); ok {
			out := make([]string, 0, len(rr))
			for _, x := range rr {
				if xs, ok := x.(string); ok {
					out = append(out, xs)
				}
			}
			s["required"] = out
		}
	}
}

// normalizeInputSchema merges raw onto a minimal object schema and sanitizes
// it, so every ToolRecord.InputSchema is always a well-formed object schema.
func normalizeInputSchema(raw map[string]any) map[string]any {
	params := map[string]any{"type": "object", "properties": map[string]any{}}
	for k, v := range raw {
		params[k] = v
	}
	if params["type"] != "object" {
		params["type"] = "object"
	}
	if _, ok := params["properties"]; !ok || params["properties"] == nil {
		params["properties"] = map[string]any{}
	}
	sanitizeSchema(params)
	return params
}
