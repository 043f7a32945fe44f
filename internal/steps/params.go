package steps

import "encoding/json"

// Accessors for loosely typed, already interpolated parameter maps.

func stringParam(m map[string]any, key, defaultVal string) string {
	s, ok := m[key].(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	b, ok := m[key].(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	switch n := m[key].(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

// rawParams decodes the step parameters into a generic map.
func rawParams(in StepInput) (map[string]any, error) {
	m := map[string]any{}
	if err := in.Bind(&m); err != nil {
		return nil, err
	}
	return m, nil
}
