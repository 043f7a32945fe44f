package steps

import (
	"context"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

type conditionParams struct {
	Condition string `json:"condition"`
}

func (p conditionParams) check(step string) error {
	if p.Condition == "" {
		return schema.NewError(schema.ErrCodeValidation, "parameter 'condition' is required").WithStep(step)
	}
	return nil
}

// ifStep routes each item by a CEL predicate: true to output 0, false to output 1.
type ifStep struct {
	cel *expressions.CELEngine
}

func (ifStep) Type() string        { return TypeIf }
func (ifStep) Description() string { return "Route items by a CEL condition" }

func (s *ifStep) Invoke(ctx context.Context, in StepInput) (*Outcome, error) {
	var p conditionParams
	if err := in.Bind(&p); err != nil {
		return nil, err
	}
	if err := p.check(in.Step.Name); err != nil {
		return nil, err
	}

	var yes, no schema.ItemSet
	for i, item := range in.Main() {
		ok, err := s.cel.EvaluateBool(ctx, p.Condition, expressions.ItemScope(item, i, in.Vars()))
		if err != nil {
			return nil, err
		}
		out := derive(expressions.CopyJSON(item.JSON), 0, i)
		if ok {
			yes = append(yes, out)
		} else {
			no = append(no, out)
		}
	}
	return Emit(yes, no), nil
}

// filterStep keeps the items a CEL predicate accepts. When the step declares
// a second output the rejected items go there.
type filterStep struct {
	cel *expressions.CELEngine
}

func (filterStep) Type() string        { return TypeFilter }
func (filterStep) Description() string { return "Keep items matching a CEL condition" }

func (s *filterStep) Invoke(ctx context.Context, in StepInput) (*Outcome, error) {
	var p conditionParams
	if err := in.Bind(&p); err != nil {
		return nil, err
	}
	if err := p.check(in.Step.Name); err != nil {
		return nil, err
	}

	var kept, discarded schema.ItemSet
	for i, item := range in.Main() {
		ok, err := s.cel.EvaluateBool(ctx, p.Condition, expressions.ItemScope(item, i, in.Vars()))
		if err != nil {
			return nil, err
		}
		out := derive(expressions.CopyJSON(item.JSON), 0, i)
		if ok {
			kept = append(kept, out)
		} else {
			discarded = append(discarded, out)
		}
	}
	if in.Outputs > 1 {
		return Emit(kept, discarded), nil
	}
	return Emit(kept), nil
}
