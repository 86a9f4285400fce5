package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name: "error without cause",
			err: &AppError{
				Code:    ErrCodeInvalidConfig,
				Message: "configuration is invalid",
			},
			expected: "INVALID_CONFIG: configuration is invalid",
		},
		{
			name: "error with cause",
			err: &AppError{
				Code:    ErrCodeTransport,
				Message: "radio delivery failed",
				Cause:   errors.New("driver exited 1"),
			},
			expected: "TRANSPORT: radio delivery failed: driver exited 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := New(ErrCodeValidationFailed, "validation failed")

	result := err.WithContext("field", "message").WithContext("value", "")

	assert.Same(t, err, result)
	assert.Len(t, err.Context, 2)
	assert.Equal(t, "message", err.Context["field"])
}

func TestAs_FindsWrappedAppError(t *testing.T) {
	inner := NewInvalidTransitionError("confirmed", "retry")
	wrapped := fmt.Errorf("retry message: %w", inner)

	appErr, ok := As(wrapped)
	require.True(t, ok)
	assert.Same(t, inner, appErr)
	assert.True(t, Is(wrapped, ErrCodeInvalidTransition))
	assert.False(t, Is(wrapped, ErrCodeNotFound))
	assert.Equal(t, ErrCodeInvalidTransition, GetCode(wrapped))
}

func TestGetCode_PlainError(t *testing.T) {
	assert.Equal(t, ErrCodeInternalError, GetCode(errors.New("boom")))
	assert.False(t, IsRetryable(errors.New("boom")))
	assert.Equal(t, "An internal error occurred", GetUserMessage(errors.New("boom")))
}

func TestWrapRetryable(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapRetryable(cause, ErrCodeDatabaseConnection, "open failed")

	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, cause)
}
