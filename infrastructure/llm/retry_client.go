package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/ahrav/go-synthgen/internal/ports"
)

// Default retry configuration constants.
const (
	// DefaultMaxAttempts is the default number of retry attempts.
	DefaultMaxAttempts = 3
	// DefaultBaseDelay is the default initial delay before the first retry.
	DefaultBaseDelay = 1 * time.Second
	// DefaultMaxDelay is the default maximum delay between retry attempts.
	DefaultMaxDelay = 30 * time.Second
	// DefaultJitterPercent is the default jitter percentage.
	DefaultJitterPercent = 0.1
)

// RetryConfig defines the configuration for retry behavior. These settings
// control the exponential backoff and jitter logic shared by the retry
// middleware and the retrying scorer.
type RetryConfig struct {
	// MaxAttempts specifies the maximum number of times to retry a failed
	// operation. A value of 0 means no retries will be attempted.
	MaxAttempts int

	// BaseDelay sets the initial delay for the first retry attempt.
	// Subsequent delays are calculated using exponential backoff.
	BaseDelay time.Duration

	// MaxDelay caps the maximum delay between retry attempts.
	MaxDelay time.Duration

	// JitterPercent adds a random percentage of the current delay.
	// It should be between 0.0 and 1.0.
	JitterPercent float64
}

// DefaultRetryConfig returns a RetryConfig with sensible default values
// suitable for most use cases.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   DefaultMaxAttempts,
		BaseDelay:     DefaultBaseDelay,
		MaxDelay:      DefaultMaxDelay,
		JitterPercent: DefaultJitterPercent,
	}
}

// retry runs fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted.
func (c RetryConfig) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err
		if ctx.Err() != nil || attempt == c.MaxAttempts || !isRetryableError(err) {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		case <-time.After(c.delay(attempt)):
		}
	}

	if c.MaxAttempts == 0 {
		return lastErr
	}
	return fmt.Errorf("LLM call failed after %d attempts: %w", c.MaxAttempts+1, lastErr)
}

// delay calculates the backoff for the given attempt, including jitter to
// prevent request storms.
func (c RetryConfig) delay(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := c.BaseDelay * time.Duration(1<<attempt)
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}

	jitter := int64(float64(delay) * c.JitterPercent)
	if jitter > 0 {
		//nolint:gosec // G404: math/rand is acceptable for retry jitter timing.
		delay += time.Duration(rand.Int64N(2*jitter) - jitter)
	}

	if delay < c.BaseDelay {
		return c.BaseDelay
	}

	return delay
}

// isRetryableError determines if an error is likely transient. Classified
// provider errors decide for themselves; anything else is matched against
// common transient error messages.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}

	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.IsRetryable()
	}

	var lerr *ports.LLMError
	if errors.As(err, &lerr) {
		return lerr.IsRetryable()
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"rate limit", "too many requests", "timeout", "connection refused",
		"connection reset", "temporary failure", "service unavailable",
		"internal server error", "bad gateway", "gateway timeout", "network",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

var _ ports.TokenScorer = (*RetryingScorer)(nil)

// RetryingScorer wraps a TokenScorer with retry functionality. It is safe
// for concurrent use when the wrapped scorer is.
type RetryingScorer struct {
	scorer ports.TokenScorer
	config RetryConfig
}

// NewRetryingScorer creates a new RetryingScorer that wraps the provided
// scorer. The retry behavior is controlled by the provided config.
func NewRetryingScorer(scorer ports.TokenScorer, config RetryConfig) *RetryingScorer {
	return &RetryingScorer{
		scorer: scorer,
		config: config,
	}
}

// RetryScorerMiddleware adapts NewRetryingScorer to the scorer middleware chain.
func RetryScorerMiddleware(config RetryConfig) ScorerMiddleware {
	return func(next ports.TokenScorer) ports.TokenScorer {
		return NewRetryingScorer(next, config)
	}
}

// NextTokenLogprobs requests next-token distributions with retry logic.
func (r *RetryingScorer) NextTokenLogprobs(
	ctx context.Context,
	prompts []string,
	k int,
) ([]ports.TokenDistribution, error) {
	var out []ports.TokenDistribution
	err := r.config.retry(ctx, func() error {
		var err error
		out, err = r.scorer.NextTokenLogprobs(ctx, prompts, k)
		return err
	})
	return out, err
}

// ScoreContinuations scores continuations with retry logic.
func (r *RetryingScorer) ScoreContinuations(
	ctx context.Context,
	prefixes, continuations []string,
) ([]float64, error) {
	var out []float64
	err := r.config.retry(ctx, func() error {
		var err error
		out, err = r.scorer.ScoreContinuations(ctx, prefixes, continuations)
		return err
	})
	return out, err
}

// GetModel returns the model identifier from the wrapped scorer.
func (r *RetryingScorer) GetModel() string {
	return r.scorer.GetModel()
}
