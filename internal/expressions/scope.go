package expressions

import "github.com/rendis/stepflow/pkg/schema"

// ItemScope builds the data scope an expression sees for one item.
// The item's JSON is deep-copied so expressions cannot alias step input.
func ItemScope(item schema.Item, index int, vars map[string]any) map[string]any {
	if vars == nil {
		vars = map[string]any{}
	}
	json := CopyJSON(item.JSON)
	if json == nil {
		json = map[string]any{}
	}
	return map[string]any{
		"json":  json,
		"index": index,
		"vars":  vars,
	}
}

// CopyJSON deep-copies a decoded JSON object.
func CopyJSON(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CopyJSON(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
