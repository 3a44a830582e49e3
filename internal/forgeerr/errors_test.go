package forgeerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsNotFound(t *testing.T) {
	t.Run("detects NotFoundError", func(t *testing.T) {
		err := NewNotFound("session", "abc-123")
		assert.True(t, IsNotFound(err))
		assert.Contains(t, err.Error(), "session not found")
	})

	t.Run("detects wrapped NotFoundError", func(t *testing.T) {
		err := fmt.Errorf("lookup failed: %w", NewNotFound("node", "n1"))
		assert.True(t, IsNotFound(err))
	})

	t.Run("rejects other errors", func(t *testing.T) {
		assert.False(t, IsNotFound(errors.New("boom")))
		assert.False(t, IsNotFound(nil))
	})
}

func TestIsRetryable(t *testing.T) {
	t.Run("timeout errors are retryable", func(t *testing.T) {
		assert.True(t, IsRetryable(&TimeoutError{Op: "dispatch", NodeID: "n1"}))
	})

	t.Run("io errors are retryable", func(t *testing.T) {
		assert.True(t, IsRetryable(&IOError{Op: "put artifacts", Err: errors.New("broken pipe")}))
	})

	t.Run("wrapped timeout is retryable", func(t *testing.T) {
		err := fmt.Errorf("task failed: %w", &TimeoutError{Op: "compile"})
		assert.True(t, IsRetryable(err))
	})

	t.Run("message markers are retryable", func(t *testing.T) {
		assert.True(t, IsRetryable(errors.New("network unreachable")))
		assert.True(t, IsRetryable(errors.New("temporary failure in name resolution")))
		assert.True(t, IsRetryable(errors.New("request timed out")))
	})

	t.Run("terminal errors are not retryable", func(t *testing.T) {
		assert.False(t, IsRetryable(errors.New("undefined symbol: main")))
		assert.False(t, IsRetryable(&ValidationError{Reason: "empty task id"}))
		assert.False(t, IsRetryable(nil))
	})
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "validation failed: empty task id", (&ValidationError{Reason: "empty task id"}).Error())
	assert.Equal(t, "timeout during dispatch (node n1)", (&TimeoutError{Op: "dispatch", NodeID: "n1"}).Error())
	assert.Equal(t, "capacity exhausted: no capable node available", ErrNoCapableNode.Error())

	ioErr := &IOError{Op: "save index", Err: errors.New("disk full")}
	assert.Contains(t, ioErr.Error(), "save index")
	assert.Equal(t, "disk full", errors.Unwrap(ioErr).Error())
}
