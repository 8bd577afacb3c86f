package ports

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestLLMError tests the functionality of the LLMError error type.
// It covers error creation, message formatting, and retryable logic.
func TestLLMError(t *testing.T) {
	t.Run("basic error", func(t *testing.T) {
		err := NewLLMError("gpt-3.5-turbo-instruct", "NextTokenLogprobs", ErrInvalidResponse)

		assert.Equal(t, "LLM error: model=gpt-3.5-turbo-instruct, operation=NextTokenLogprobs, err=invalid response", err.Error())
		assert.Equal(t, "gpt-3.5-turbo-instruct", err.Model)
		assert.Equal(t, "NextTokenLogprobs", err.Operation)
		assert.True(t, errors.Is(err, ErrInvalidResponse))
	})

	t.Run("retryable errors", func(t *testing.T) {
		for _, baseErr := range []error{ErrRateLimited, ErrServiceUnavailable, ErrTimeout} {
			err := NewLLMError("test-model", "Test", baseErr)
			assert.True(t, err.IsRetryable(), "%v should be retryable", baseErr)
		}

		for _, baseErr := range []error{ErrInvalidResponse, errors.New("bad prompt")} {
			err := NewLLMError("test-model", "Test", baseErr)
			assert.False(t, err.IsRetryable(), "%v should not be retryable", baseErr)
		}
	})

	t.Run("retryable through wrapping", func(t *testing.T) {
		err := NewLLMError("m", "Score", fmt.Errorf("http 429: %w", ErrRateLimited))
		assert.True(t, err.IsRetryable())
	})
}
