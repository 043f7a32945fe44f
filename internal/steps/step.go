// Package steps defines the contract between the scheduler and step
// implementations, the type-tag registry, and the builtin step library.
package steps

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Invocable is the implementation behind a step type tag. The scheduler never
// looks inside; it only moves item sets in and out.
type Invocable interface {
	Type() string
	Description() string
	Invoke(ctx context.Context, in StepInput) (*Outcome, error)
}

// Canceler is implemented by invocables that hold external resources while a
// run waits on them.
type Canceler interface {
	Cancel(ctx context.Context, in CancelInput) error
}

// StepInput is what an invocation receives.
type StepInput struct {
	RunID    string
	Step     schema.Step
	RunIndex int
	// Inputs holds one item set per declared input port, in port order.
	Inputs []schema.ItemSet
	// Outputs is the number of declared output ports.
	Outputs int
}

// Main returns the items on input port 0.
func (in StepInput) Main() schema.ItemSet {
	if len(in.Inputs) == 0 {
		return nil
	}
	return in.Inputs[0]
}

// Vars returns run metadata exposed to expressions.
func (in StepInput) Vars() map[string]any {
	return map[string]any{
		"run_id":    in.RunID,
		"step":      in.Step.Name,
		"run_index": in.RunIndex,
	}
}

// Bind decodes the step parameters into v.
func (in StepInput) Bind(v any) error {
	if len(in.Step.Parameters) == 0 {
		return nil
	}
	if err := json.Unmarshal(in.Step.Parameters, v); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid parameters: %s", err.Error()).
			WithStep(in.Step.Name).
			WithCause(err)
	}
	return nil
}

// CancelInput identifies the outstanding invocation being canceled.
type CancelInput struct {
	RunID string
	Step  string
	Token string
}

// WaitRequest asks the engine to park the run until a resume signal arrives.
type WaitRequest struct {
	ResumeBy *time.Time `json:"resume_by,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}

// Outcome is the result of an invocation: either output sets or a wait request.
type Outcome struct {
	Outputs []schema.ItemSet
	Wait    *WaitRequest
}

// Emit builds an Outcome from output sets.
func Emit(outputs ...schema.ItemSet) *Outcome {
	return &Outcome{Outputs: outputs}
}

// derive returns an output item built from data and paired to input item i on port.
func derive(data map[string]any, port, i int) schema.Item {
	return schema.Item{JSON: data, Paired: []schema.PairedItem{{Item: i, Input: port}}}
}
