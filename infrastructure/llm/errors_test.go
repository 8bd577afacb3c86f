package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"

	"github.com/ahrav/go-synthgen/internal/ports"
)

func TestErrorClassifier_ClassifyHTTPError(t *testing.T) {
	ec := &ErrorClassifier{Provider: "openai"}
	tests := []struct {
		status    int
		wantType  ErrorType
		retryable bool
	}{
		{401, ErrorTypeAuthentication, false},
		{403, ErrorTypeAuthentication, false},
		{400, ErrorTypeBadRequest, false},
		{404, ErrorTypeNotFound, false},
		{408, ErrorTypeTimeout, true},
		{422, ErrorTypeBadRequest, false},
		{429, ErrorTypeRateLimit, true},
		{500, ErrorTypeServerError, true},
		{503, ErrorTypeServerError, true},
		{599, ErrorTypeServerError, true},
		{200, ErrorTypeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := ec.ClassifyHTTPError(tt.status, "msg", nil)
			assert.Equal(t, tt.wantType, err.Type)
			assert.Equal(t, tt.retryable, err.IsRetryable())
			assert.Equal(t, tt.status, err.StatusCode)
		})
	}
}

func TestProviderError_IsPortsSentinels(t *testing.T) {
	ec := &ErrorClassifier{Provider: "vllm"}

	wrapped := fmt.Errorf("scoring: %w", ec.ClassifyHTTPError(429, "", nil))
	assert.ErrorIs(t, wrapped, ports.ErrRateLimited)
	assert.NotErrorIs(t, wrapped, ports.ErrServiceUnavailable)

	assert.ErrorIs(t, ec.ClassifyHTTPError(502, "", nil), ports.ErrServiceUnavailable)
	assert.ErrorIs(t, ec.ClassifyContextError(context.DeadlineExceeded), ports.ErrTimeout)
}

func TestErrorClassifier_ClassifyContextError(t *testing.T) {
	ec := &ErrorClassifier{Provider: "openai"}

	deadline := ec.ClassifyContextError(fmt.Errorf("post: %w", context.DeadlineExceeded))
	assert.Equal(t, ErrorTypeTimeout, deadline.Type)
	assert.True(t, deadline.IsRetryable())

	canceled := ec.ClassifyContextError(context.Canceled)
	assert.Equal(t, ErrorTypeCanceled, canceled.Type)
	assert.False(t, canceled.IsRetryable())
	assert.ErrorIs(t, canceled, context.Canceled)
	assert.Equal(t, "openai error [canceled]: request canceled: context canceled", canceled.Error())
}

func TestClassifyOpenAIError(t *testing.T) {
	ec := &ErrorClassifier{Provider: "vllm"}

	var perr *ProviderError
	err := classifyOpenAIError(ec, &openai.APIError{HTTPStatusCode: 429, Message: "slow down"})
	assert.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrorTypeRateLimit, perr.Type)

	err = classifyOpenAIError(ec, &openai.RequestError{HTTPStatusCode: 502, Err: errors.New("bad gateway")})
	assert.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrorTypeServerError, perr.Type)

	err = classifyOpenAIError(ec, errors.New("connection reset"))
	assert.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrorTypeNetwork, perr.Type)
	assert.Equal(t, "vllm", perr.Provider)
}

func TestProviderError_Error(t *testing.T) {
	cause := errors.New("boom")
	err := NewProviderError("anthropic", ErrorTypeServerError, 503, "overloaded", cause)

	assert.Equal(t, "anthropic error (HTTP 503) [server_error]: overloaded: boom", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"circuit open", ErrCircuitOpen, false},
		{"classified rate limit", NewProviderError("x", ErrorTypeRateLimit, 429, "", nil), true},
		{"classified auth", NewProviderError("x", ErrorTypeAuthentication, 401, "", nil), false},
		{"llm error wrapping timeout", ports.NewLLMError("m", "op", ports.ErrTimeout), true},
		{"plain transient text", errors.New("connection reset by peer"), true},
		{"plain permanent text", errors.New("invalid prompt"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableError(tt.err))
		})
	}
}
