package llm

import (
	"context"
	"time"
)

// retryLLM implements automatic retry logic with exponential backoff.
// This handles transient failures by retrying requests with increasing
// delays while respecting circuit breaker and timeout constraints.
type retryLLM struct {
	next   CoreLLM
	config RetryConfig
}

// RetryMiddleware creates middleware that automatically retries failed requests
// with exponential backoff. Only errors classified as transient are retried.
func RetryMiddleware(maxRetries int, baseDelay, maxDelay time.Duration) Middleware {
	config := RetryConfig{
		MaxAttempts:   maxRetries,
		BaseDelay:     baseDelay,
		MaxDelay:      maxDelay,
		JitterPercent: 0.25,
	}
	return func(next CoreLLM) CoreLLM {
		return &retryLLM{
			next:   next,
			config: config,
		}
	}
}

// DoRequest executes the request with automatic retry logic.
func (r *retryLLM) DoRequest(ctx context.Context, prompt string, opts map[string]any) (string, int, int, error) {
	var (
		response            string
		tokensIn, tokensOut int
	)

	err := r.config.retry(ctx, func() error {
		var err error
		response, tokensIn, tokensOut, err = r.next.DoRequest(ctx, prompt, opts)
		return err
	})
	if err != nil {
		return "", 0, 0, err
	}

	return response, tokensIn, tokensOut, nil
}

// GetModel returns the model name from the wrapped implementation.
func (r *retryLLM) GetModel() string { return r.next.GetModel() }

// SetModel updates the model name in the wrapped implementation.
func (r *retryLLM) SetModel(m string) { r.next.SetModel(m) }
