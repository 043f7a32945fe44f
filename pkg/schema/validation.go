package schema

import "fmt"

// ValidationSeverity indicates whether an issue blocks a graph from running.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a graph definition.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Step     string             `json:"step,omitempty"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationReport aggregates the issues found while checking a graph.
type ValidationReport struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid is true when no error-severity issues were recorded.
func (r *ValidationReport) Valid() bool {
	return len(r.Errors) == 0
}

// Error records a blocking issue.
func (r *ValidationReport) Error(path, step, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Step: step, Code: code, Message: message, Severity: SeverityError,
	})
}

// Warn records a non-blocking issue.
func (r *ValidationReport) Warn(path, step, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Step: step, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge appends the issues of other.
func (r *ValidationReport) Merge(other *ValidationReport) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Err returns nil for a valid report. Otherwise it returns a FlowError whose
// code is UNKNOWN_STEP when every error is an unknown reference.
func (r *ValidationReport) Err() error {
	if r.Valid() {
		return nil
	}

	code := ErrCodeUnknownStep
	for _, issue := range r.Errors {
		if issue.Code != ErrCodeUnknownStep {
			code = ErrCodeValidation
			break
		}
	}

	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("graph invalid: %d errors", len(r.Errors))
	}

	return NewError(code, msg).
		WithStep(r.Errors[0].Step).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}
