package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, ErrCodeInternal, "directory lookup failed")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrCodeInternal, CodeOf(err))
	assert.Contains(t, err.Error(), "directory lookup failed")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestCodeOfThroughWrapping(t *testing.T) {
	inner := New(ErrCodeStepAlreadyDecided, "step has already been decided")
	outer := fmt.Errorf("deciding step: %w", inner)

	assert.Equal(t, ErrCodeStepAlreadyDecided, CodeOf(outer))
	assert.True(t, HasCode(outer, ErrCodeStepAlreadyDecided))
	assert.False(t, HasCode(outer, ErrCodeConflict))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, ErrCodeInternal, CodeOf(errors.New("boom")))
	assert.False(t, HasCode(errors.New("boom"), ErrCodeNotFound))
}

func TestWithFieldAccumulates(t *testing.T) {
	err := New(ErrCodeConflict, "workflow is terminal").
		WithField("workflow_id", "wf-1").
		WithField("step_index", 2)

	require.NotNil(t, err.Fields)
	assert.Equal(t, "wf-1", err.Fields["workflow_id"])
	assert.Equal(t, 2, err.Fields["step_index"])
}

func TestNotFoundShape(t *testing.T) {
	err := NotFound("workflow_instance", "wf-9")

	assert.Equal(t, ErrCodeNotFound, err.Code)
	assert.Equal(t, "workflow_instance", err.Fields["resource"])
	assert.Equal(t, "wf-9", err.Fields["id"])
}
