package steps

import (
	"context"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

type waitParams struct {
	// Timeout bounds how long the run may stay parked, as a Go duration.
	Timeout string `json:"timeout"`
	// ResumeBy is an absolute RFC 3339 deadline; it wins over Timeout.
	ResumeBy string `json:"resume_by"`
	Reason   string `json:"reason"`
}

// waitStep parks the run until an external resume signal delivers the
// payload that becomes its output 0.
type waitStep struct {
	now func() time.Time
}

func (waitStep) Type() string        { return TypeWait }
func (waitStep) Description() string { return "Suspend the run until resumed" }

func (w *waitStep) Invoke(_ context.Context, in StepInput) (*Outcome, error) {
	var p waitParams
	if err := in.Bind(&p); err != nil {
		return nil, err
	}

	req := &WaitRequest{Reason: p.Reason}
	switch {
	case p.ResumeBy != "":
		t, err := time.Parse(time.RFC3339, p.ResumeBy)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid resume_by %q", p.ResumeBy).
				WithStep(in.Step.Name).WithCause(err)
		}
		req.ResumeBy = &t
	case p.Timeout != "":
		d, err := time.ParseDuration(p.Timeout)
		if err != nil || d <= 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid timeout %q", p.Timeout).
				WithStep(in.Step.Name)
		}
		now := time.Now
		if w.now != nil {
			now = w.now
		}
		t := now().UTC().Add(d)
		req.ResumeBy = &t
	}
	return &Outcome{Wait: req}, nil
}

// Cancel has nothing to release; a parked wait holds no external resources.
func (waitStep) Cancel(context.Context, CancelInput) error { return nil }
