package validation

import (
	"fmt"

	"github.com/rendis/stepflow/pkg/schema"
)

// validateSemantic checks what the document schema cannot: step types
// resolve, and error-output routing has a port to route to.
func validateSemantic(def *schema.Graph, lookup TypeLookup) *schema.ValidationReport {
	report := &schema.ValidationReport{}

	for i, step := range def.Steps {
		path := fmt.Sprintf("/steps/%d", i)

		if lookup != nil && !lookup.Has(step.Type) {
			report.Error(path+"/type", step.Name, schema.ErrCodeValidation,
				fmt.Sprintf("step type %q not registered", step.Type))
		}

		policy := step.OnError
		if policy == "" {
			policy = def.Settings.OnError
		}
		if policy == schema.OnErrorContinueErrorOutput && len(step.Outputs) < 2 {
			report.Warn(path+"/on_error", step.Name, schema.ErrCodeValidation,
				"continueErrorOutput with a single output routes errors to output 0")
		}

		if step.Disabled && len(step.Outputs) > 1 {
			report.Warn(path+"/disabled", step.Name, schema.ErrCodeValidation,
				"disabled step passes input 0 to output 0 only")
		}
	}
	return report
}
