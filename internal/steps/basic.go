package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// manualTrigger starts a branch. It forwards its input when one was supplied
// and otherwise emits a single empty item.
type manualTrigger struct{}

func (manualTrigger) Type() string        { return TypeManualTrigger }
func (manualTrigger) Description() string { return "Start a run by hand; emits one empty item" }

func (manualTrigger) Invoke(_ context.Context, in StepInput) (*Outcome, error) {
	if main := in.Main(); len(main) > 0 {
		return Emit(passThrough(main)), nil
	}
	return Emit(schema.ItemSet{{JSON: map[string]any{}}}), nil
}

type noOp struct{}

func (noOp) Type() string        { return TypeNoOp }
func (noOp) Description() string { return "Forward input items unchanged" }

func (noOp) Invoke(_ context.Context, in StepInput) (*Outcome, error) {
	return Emit(passThrough(in.Main())), nil
}

// passThrough copies items with lineage pointing at their input position.
func passThrough(items schema.ItemSet) schema.ItemSet {
	out := make(schema.ItemSet, len(items))
	for i, item := range items {
		out[i] = derive(expressions.CopyJSON(item.JSON), 0, i)
	}
	return out
}

type setParams struct {
	Values      map[string]any `json:"values"`
	KeepOnlySet bool           `json:"keep_only_set"`
}

// setStep assigns fields on every item. String values may carry {{ }}
// templates evaluated with expr-lang against the item. Dotted keys write
// nested objects.
type setStep struct {
	interp *expressions.Interpolator
}

func (setStep) Type() string        { return TypeSet }
func (setStep) Description() string { return "Assign fields on each item" }

func (s *setStep) Invoke(ctx context.Context, in StepInput) (*Outcome, error) {
	var p setParams
	if err := in.Bind(&p); err != nil {
		return nil, err
	}

	main := in.Main()
	out := make(schema.ItemSet, len(main))
	for i, item := range main {
		scope := expressions.ItemScope(item, i, in.Vars())
		resolved, err := s.interp.Resolve(ctx, p.Values, scope)
		if err != nil {
			return nil, err
		}

		data := map[string]any{}
		if !p.KeepOnlySet {
			data = expressions.CopyJSON(item.JSON)
			if data == nil {
				data = map[string]any{}
			}
		}
		if values, ok := resolved.(map[string]any); ok {
			for k, v := range values {
				setPath(data, k, v)
			}
		}
		out[i] = derive(data, 0, i)
	}
	return Emit(out), nil
}

func setPath(m map[string]any, path string, v any) {
	parts := strings.Split(path, ".")
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}

type failParams struct {
	Message string `json:"message"`
}

// failStep always errors. The message may template over the first item.
type failStep struct {
	interp *expressions.Interpolator
}

func (failStep) Type() string        { return TypeFail }
func (failStep) Description() string { return "Stop with an error" }

func (f *failStep) Invoke(ctx context.Context, in StepInput) (*Outcome, error) {
	var p failParams
	if err := in.Bind(&p); err != nil {
		return nil, err
	}
	msg := p.Message
	if msg == "" {
		msg = "fail step reached"
	}
	var first schema.Item
	if main := in.Main(); len(main) > 0 {
		first = main[0]
	}
	resolved, err := f.interp.Resolve(ctx, msg, expressions.ItemScope(first, 0, in.Vars()))
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%v", resolved)
}
