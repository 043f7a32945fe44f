package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationReport_EmptyIsValid(t *testing.T) {
	r := &ValidationReport{}
	assert.True(t, r.Valid())
	assert.NoError(t, r.Err())
}

func TestValidationReport_WarningsDoNotBlock(t *testing.T) {
	r := &ValidationReport{}
	r.Warn("/steps/1", "Orphan", ErrCodeValidation, "step has no connections")

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
	assert.Equal(t, "Orphan", r.Warnings[0].Step)
}

func TestValidationReport_Merge(t *testing.T) {
	r1 := &ValidationReport{}
	r1.Error("/", "", ErrCodeValidation, "err1")
	r2 := &ValidationReport{}
	r2.Error("/connections/0", "B", ErrCodeUnknownStep, "err2")
	r2.Warn("/steps/1", "C", ErrCodeValidation, "warn")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 1)
}

func TestValidationReport_Err_UnknownStepOnly(t *testing.T) {
	r := &ValidationReport{}
	r.Error("/connections/0/target", "Ghost", ErrCodeUnknownStep, `unknown step "Ghost"`)

	err := r.Err()
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeUnknownStep))

	var fe *FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "Ghost", fe.Step)
	assert.Equal(t, 1, fe.Details["error_count"])
}

func TestValidationReport_Err_Mixed(t *testing.T) {
	r := &ValidationReport{}
	r.Error("/connections/0/target", "Ghost", ErrCodeUnknownStep, "unknown")
	r.Error("/steps/1/name", "A", ErrCodeValidation, "duplicate")

	err := r.Err()
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeValidation))
	assert.Contains(t, err.Error(), "2 errors")
}

func TestIsCode_Wrapped(t *testing.T) {
	inner := NewSuspensionLostError("tok", "expired")
	wrapped := fmt.Errorf("resume: %w", inner)

	assert.True(t, IsCode(wrapped, ErrCodeSuspensionLost))
	assert.False(t, IsCode(wrapped, ErrCodeNotFound))
	assert.False(t, IsCode(errors.New("plain"), ErrCodeNotFound))
}

func TestFlowError_Format(t *testing.T) {
	err := NewStepInvocationError("Fetch", errors.New("boom"))
	assert.Equal(t, "[STEP_INVOCATION_ERROR] step Fetch: boom", err.Error())
	assert.EqualError(t, errors.Unwrap(err), "boom")

	merge := NewMergeTimeoutError("Merge", []int{1})
	assert.Equal(t, []int{1}, merge.Details["missing_inputs"])
	assert.Equal(t, "Merge", merge.Step)
}
