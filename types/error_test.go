package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_ChainAndUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewError(ErrUnavailable, "executor unreachable").
		WithCause(cause).
		WithRetryable(true).
		WithAgentID("A03")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "UNAVAILABLE")
	assert.Contains(t, err.Error(), "connection reset")
	assert.True(t, IsRetryable(err))
	assert.Equal(t, ErrUnavailable, GetErrorCode(err))
}

func TestIsRetryable_WrappedError(t *testing.T) {
	inner := NewTimeoutError("deadline exceeded")
	wrapped := fmt.Errorf("stage hypothesis: %w", inner)

	assert.True(t, IsRetryable(wrapped))
	assert.True(t, IsErrorCode(wrapped, ErrTimeout))
}

func TestIsRetryable_PlainError(t *testing.T) {
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
}

func TestFatalCodes_NotRetryable(t *testing.T) {
	for _, err := range []*Error{
		NewSchemaViolationError("missing field"),
		NewError(ErrPermissionDenied, "A01 may not call A05"),
		NewError(ErrDelegationCycle, "A01 already on stack"),
	} {
		assert.False(t, IsRetryable(err), "code %s must not be retryable", err.Code)
	}
}
