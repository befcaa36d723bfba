package common

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppErrorUnwrap(t *testing.T) {
	err := NewAppError("TASK_NOT_FOUND", "no such task: x", ErrNotFound)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "TASK_NOT_FOUND")
	assert.Contains(t, err.Error(), "no such task: x")

	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "TASK_NOT_FOUND", appErr.Code)
}

func TestWrapErrorKeepsChain(t *testing.T) {
	base := errors.New("disk full")
	err := WrapError(base, "persist result")
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "persist result")

	assert.NoError(t, WrapError(nil, "ignored"))
}

func TestValidationErrorf(t *testing.T) {
	err := ValidationErrorf("stage %d is invalid", 7)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "stage 7 is invalid")
}
