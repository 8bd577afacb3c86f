package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/ahrav/go-synthgen/internal/ports"
)

// rateLimitedLLM implements rate limiting using a token bucket algorithm.
// This prevents overwhelming LLM provider rate limits and ensures
// consistent request pacing across the application.
type rateLimitedLLM struct {
	next    CoreLLM
	limiter *rate.Limiter
}

// RateLimitMiddleware creates middleware that enforces rate limiting using a token bucket algorithm.
// The limit parameter sets requests per second, while burst allows
// temporary spikes above the sustained rate.
func RateLimitMiddleware(limit rate.Limit, burst int) Middleware {
	limiter := rate.NewLimiter(limit, burst)

	return func(next CoreLLM) CoreLLM {
		return &rateLimitedLLM{
			next:    next,
			limiter: limiter,
		}
	}
}

// DoRequest waits for rate limit permission before forwarding the request.
func (r *rateLimitedLLM) DoRequest(ctx context.Context, prompt string, opts map[string]any) (string, int, int, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", 0, 0, fmt.Errorf("rate limit: %w", err)
	}
	return r.next.DoRequest(ctx, prompt, opts)
}

// GetModel returns the model name from the wrapped implementation.
func (r *rateLimitedLLM) GetModel() string { return r.next.GetModel() }

// SetModel updates the model name in the wrapped implementation.
func (r *rateLimitedLLM) SetModel(m string) { r.next.SetModel(m) }

// rateLimitedScorer paces scorer calls. A batched call takes one token
// regardless of how many prompts it carries.
type rateLimitedScorer struct {
	next    ports.TokenScorer
	limiter *rate.Limiter
}

// RateLimitScorerMiddleware creates scorer middleware backed by the same
// token bucket algorithm as RateLimitMiddleware.
func RateLimitScorerMiddleware(limit rate.Limit, burst int) ScorerMiddleware {
	limiter := rate.NewLimiter(limit, burst)

	return func(next ports.TokenScorer) ports.TokenScorer {
		return &rateLimitedScorer{
			next:    next,
			limiter: limiter,
		}
	}
}

func (r *rateLimitedScorer) NextTokenLogprobs(
	ctx context.Context,
	prompts []string,
	k int,
) ([]ports.TokenDistribution, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return r.next.NextTokenLogprobs(ctx, prompts, k)
}

func (r *rateLimitedScorer) ScoreContinuations(
	ctx context.Context,
	prefixes, continuations []string,
) ([]float64, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return r.next.ScoreContinuations(ctx, prefixes, continuations)
}

func (r *rateLimitedScorer) GetModel() string { return r.next.GetModel() }
