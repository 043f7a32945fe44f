package steps

import (
	"context"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

type transformParams struct {
	Query string `json:"query"`
}

// transformStep runs a jq program over each item's JSON. Every emitted
// object becomes an output item; other values are wrapped as {"value": v}.
type transformStep struct {
	jq *expressions.GoJQEngine
}

func (transformStep) Type() string        { return TypeTransform }
func (transformStep) Description() string { return "Reshape items with a jq program" }

func (s *transformStep) Invoke(ctx context.Context, in StepInput) (*Outcome, error) {
	var p transformParams
	if err := in.Bind(&p); err != nil {
		return nil, err
	}
	if p.Query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "parameter 'query' is required").WithStep(in.Step.Name)
	}

	var out schema.ItemSet
	for i, item := range in.Main() {
		results, err := s.jq.EvaluateAll(ctx, p.Query, item.JSON)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			obj, ok := r.(map[string]any)
			if !ok {
				obj = map[string]any{"value": r}
			}
			out = append(out, derive(obj, 0, i))
		}
	}
	return Emit(out), nil
}
