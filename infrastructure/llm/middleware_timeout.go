package llm

import (
	"context"
	"time"

	"github.com/ahrav/go-synthgen/internal/ports"
)

// timeoutLLM implements request timeout functionality.
// This ensures requests don't hang indefinitely.
type timeoutLLM struct {
	next    CoreLLM
	timeout time.Duration
}

// TimeoutMiddleware creates middleware that enforces request timeouts.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next CoreLLM) CoreLLM {
		return &timeoutLLM{
			next:    next,
			timeout: timeout,
		}
	}
}

// DoRequest executes the request with a timeout context.
// If the request doesn't complete within the timeout duration,
// it returns a context deadline exceeded error.
func (t *timeoutLLM) DoRequest(ctx context.Context, prompt string, opts map[string]any) (string, int, int, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.DoRequest(ctx, prompt, opts)
}

// GetModel returns the model name from the wrapped implementation.
func (t *timeoutLLM) GetModel() string { return t.next.GetModel() }

// SetModel updates the model name in the wrapped implementation.
func (t *timeoutLLM) SetModel(m string) { t.next.SetModel(m) }

// timeoutScorer bounds every scorer call by a fixed deadline.
type timeoutScorer struct {
	next    ports.TokenScorer
	timeout time.Duration
}

// TimeoutScorerMiddleware creates scorer middleware that enforces a
// per-call timeout.
func TimeoutScorerMiddleware(timeout time.Duration) ScorerMiddleware {
	return func(next ports.TokenScorer) ports.TokenScorer {
		return &timeoutScorer{next: next, timeout: timeout}
	}
}

func (t *timeoutScorer) NextTokenLogprobs(
	ctx context.Context,
	prompts []string,
	k int,
) ([]ports.TokenDistribution, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.NextTokenLogprobs(ctx, prompts, k)
}

func (t *timeoutScorer) ScoreContinuations(
	ctx context.Context,
	prefixes, continuations []string,
) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.ScoreContinuations(ctx, prefixes, continuations)
}

func (t *timeoutScorer) GetModel() string { return t.next.GetModel() }
