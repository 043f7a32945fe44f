package validation

import (
	"github.com/rendis/stepflow/internal/graph"
	"github.com/rendis/stepflow/pkg/schema"
)

// GraphValidator runs the validation pipeline:
//  1. structural (JSON Schema)
//  2. semantic (step types, routing policies)
//  3. links (graph.New)
//  4. reachability warnings
type GraphValidator struct {
	jsonSchema *JSONSchemaValidator
	types      TypeLookup
}

// NewGraphValidator creates a GraphValidator. types may be nil to skip step
// type checks.
func NewGraphValidator(types TypeLookup) (*GraphValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &GraphValidator{jsonSchema: jsv, types: types}, nil
}

// Validate returns the aggregated report. Structural errors short-circuit.
func (gv *GraphValidator) Validate(def *schema.Graph) *schema.ValidationReport {
	report := &schema.ValidationReport{}
	if def == nil {
		report.Error("/", "", schema.ErrCodeValidation, "graph definition is nil")
		return report
	}

	if err := gv.jsonSchema.ValidateGraph(def); err != nil {
		addFlowError(report, err)
		return report
	}

	report.Merge(validateSemantic(def, gv.types))

	g, err := graph.New(def)
	if err != nil {
		addFlowError(report, err)
		return report
	}
	report.Merge(validateReachability(g))
	return report
}

// ValidateGraph satisfies Validator.
func (gv *GraphValidator) ValidateGraph(def *schema.Graph) error {
	return gv.Validate(def).Err()
}

// ValidateItem delegates to the JSON Schema validator.
func (gv *GraphValidator) ValidateItem(item map[string]any, itemSchema []byte) error {
	return gv.jsonSchema.ValidateItem(item, itemSchema)
}

// addFlowError unpacks a FlowError into report issues, expanding schema
// violations and nested graph reports.
func addFlowError(report *schema.ValidationReport, err error) {
	fe, ok := err.(*schema.FlowError)
	if !ok {
		report.Error("/", "", schema.ErrCodeValidation, err.Error())
		return
	}
	if fe.Details != nil {
		if issues, ok := fe.Details["errors"].([]schema.ValidationIssue); ok {
			for _, is := range issues {
				report.Error(is.Path, is.Step, is.Code, is.Message)
			}
			return
		}
		if violations, ok := fe.Details["violations"].([]string); ok {
			for _, v := range violations {
				report.Error("/", "", schema.ErrCodeValidation, v)
			}
			return
		}
	}
	report.Error("/", fe.Step, fe.Code, fe.Message)
}

var (
	_ Validator = (*GraphValidator)(nil)
	_ Validator = (*JSONSchemaValidator)(nil)
)
