package steps

import (
	"context"
	"encoding/json"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

type validateParams struct {
	Schema json.RawMessage `json:"schema"`
}

// validateStep checks each item against a JSON Schema. Valid items go to
// output 0; invalid ones go to output 1 with an error note.
type validateStep struct {
	validator *validation.JSONSchemaValidator
}

func (validateStep) Type() string        { return TypeValidate }
func (validateStep) Description() string { return "Split items by JSON Schema validity" }

func (s *validateStep) Invoke(_ context.Context, in StepInput) (*Outcome, error) {
	var p validateParams
	if err := in.Bind(&p); err != nil {
		return nil, err
	}
	if len(p.Schema) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "parameter 'schema' is required").WithStep(in.Step.Name)
	}

	var valid, invalid schema.ItemSet
	for i, item := range in.Main() {
		out := derive(expressions.CopyJSON(item.JSON), 0, i)
		err := s.validator.ValidateItem(item.JSON, p.Schema)
		if err == nil {
			valid = append(valid, out)
			continue
		}
		if fe, ok := err.(*schema.FlowError); ok && fe.Message == "invalid item schema" {
			return nil, fe.WithStep(in.Step.Name)
		}
		out.Error = &schema.ItemError{Message: err.Error(), Code: schema.ErrCodeValidation}
		invalid = append(invalid, out)
	}
	return Emit(valid, invalid), nil
}
