package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// Interpolator resolves {{ ... }} templates embedded in parameter values.
// A string consisting of a single template yields the raw expression
// result; templates mixed with text are stringified in place.
type Interpolator struct {
	engine Engine
}

func NewInterpolator(engine Engine) *Interpolator {
	return &Interpolator{engine: engine}
}

// Resolve walks maps and slices and resolves every templated string.
// Non-string leaves are returned unchanged.
func (in *Interpolator) Resolve(ctx context.Context, value any, scope map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return in.resolveString(ctx, v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			r, err := in.Resolve(ctx, e, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			r, err := in.Resolve(ctx, e, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return value, nil
	}
}

func (in *Interpolator) resolveString(ctx context.Context, s string, scope map[string]any) (any, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "{{") == 1 {
		return in.eval(ctx, trimmed[2:len(trimmed)-2], scope)
	}

	var b strings.Builder
	b.Grow(len(s))
	rest := s
	for {
		open := strings.Index(rest, "{{")
		if open == -1 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:open])
		end := strings.Index(rest[open+2:], "}}")
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeExpression, "unclosed {{ in %q", s)
		}
		val, err := in.eval(ctx, rest[open+2:open+2+end], scope)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
		rest = rest[open+2+end+2:]
	}
	return b.String(), nil
}

func (in *Interpolator) eval(ctx context.Context, expression string, scope map[string]any) (any, error) {
	expression = strings.TrimSpace(expression)
	if strings.Contains(expression, "{{") {
		return nil, schema.NewError(schema.ErrCodeExpression, "nested {{ templates are not allowed")
	}
	return in.engine.Evaluate(ctx, expression, scope)
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}
