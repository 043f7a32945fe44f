package steps

import (
	"fmt"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/validation"
)

// Builtin step type tags.
const (
	TypeManualTrigger = "stepflow.manualTrigger"
	TypeNoOp          = "stepflow.noOp"
	TypeSet           = "stepflow.set"
	TypeIf            = "stepflow.if"
	TypeFilter        = "stepflow.filter"
	TypeTransform     = "stepflow.transform"
	TypeMerge         = "stepflow.merge"
	TypeWait          = "stepflow.wait"
	TypeValidate      = "stepflow.validate"
	TypeFail          = "stepflow.fail"
	TypeHTTPRequest   = "stepflow.httpRequest"
	TypeHash          = "stepflow.hash"
)

// Deps carries the shared collaborators builtin steps are built from.
type Deps struct {
	Validator *validation.JSONSchemaValidator
	HTTP      HTTPConfig
}

// RegisterBuiltins registers the builtin step library.
func RegisterBuiltins(reg *Registry, deps Deps) error {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}
	exprEngine := expressions.NewExprEngine()
	interp := expressions.NewInterpolator(exprEngine)

	if deps.Validator == nil {
		v, err := validation.NewJSONSchemaValidator()
		if err != nil {
			return fmt.Errorf("create item validator: %w", err)
		}
		deps.Validator = v
	}

	all := []Invocable{
		&manualTrigger{},
		&noOp{},
		&setStep{interp: interp},
		&ifStep{cel: cel},
		&filterStep{cel: cel},
		&transformStep{jq: expressions.NewGoJQEngine()},
		&mergeStep{},
		&waitStep{},
		&validateStep{validator: deps.Validator},
		&failStep{interp: interp},
		NewHTTPRequestStep(deps.HTTP, interp),
		&hashStep{},
	}
	for _, inv := range all {
		if err := reg.Register(inv); err != nil {
			return err
		}
	}
	return nil
}
