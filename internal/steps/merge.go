package steps

import (
	"context"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

const (
	mergeAppend            = "append"
	mergeCombineByPosition = "combineByPosition"
)

type mergeParams struct {
	Mode string `json:"mode"`
}

// mergeStep joins the item sets of all input ports.
//
// append concatenates in port order. combineByPosition zips item i of every
// port into one item (later ports win on key clashes) and stops at the
// shortest non-empty input; each output item is paired with every item it
// was built from.
type mergeStep struct{}

func (mergeStep) Type() string        { return TypeMerge }
func (mergeStep) Description() string { return "Merge items arriving on several inputs" }

func (mergeStep) Invoke(_ context.Context, in StepInput) (*Outcome, error) {
	var p mergeParams
	if err := in.Bind(&p); err != nil {
		return nil, err
	}

	switch p.Mode {
	case "", mergeAppend:
		var out schema.ItemSet
		for port, set := range in.Inputs {
			for i, item := range set {
				out = append(out, derive(expressions.CopyJSON(item.JSON), port, i))
			}
		}
		return Emit(out), nil

	case mergeCombineByPosition:
		n := -1
		for _, set := range in.Inputs {
			if len(set) == 0 {
				continue
			}
			if n == -1 || len(set) < n {
				n = len(set)
			}
		}
		var out schema.ItemSet
		for i := 0; i < n; i++ {
			combined := map[string]any{}
			var paired []schema.PairedItem
			for port, set := range in.Inputs {
				if i >= len(set) {
					continue
				}
				for k, v := range expressions.CopyJSON(set[i].JSON) {
					combined[k] = v
				}
				paired = append(paired, schema.PairedItem{Item: i, Input: port})
			}
			out = append(out, schema.Item{JSON: combined, Paired: paired})
		}
		return Emit(out), nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown merge mode %q", p.Mode).WithStep(in.Step.Name)
	}
}
