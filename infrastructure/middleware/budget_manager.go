// Package middleware provides cross-cutting concerns for generation runs.
// It wraps the language model ports to enforce a run budget and exposes
// the run's metrics to Prometheus, keeping the generators free of both.
package middleware

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ahrav/go-synthgen/internal/domain"
	"github.com/ahrav/go-synthgen/internal/ports"
)

// Budget defines resource consumption limits for a generation run.
// It specifies maximum allowed tokens and API calls to prevent runaway costs.
type Budget struct {
	// MaxTokens limits the total number of tokens that can be consumed.
	// Zero means unlimited token usage.
	MaxTokens int64

	// MaxCalls limits the total number of API calls that can be made.
	// Zero means unlimited API calls.
	MaxCalls int64
}

// Unlimited reports whether the budget imposes no limit at all.
func (b Budget) Unlimited() bool { return b.MaxTokens <= 0 && b.MaxCalls <= 0 }

// BudgetObserver provides observability hooks for budget operations.
// Implementations can add tracing, metrics, and logging without
// coupling observability concerns to core budget logic.
type BudgetObserver interface {
	// PreCheck is called before a guarded call. The returned context is
	// passed to the call and to PostCheck.
	PreCheck(ctx context.Context, scope string, usage domain.Usage, budget Budget) context.Context

	// PostCheck is called after the call with usage and timing information.
	PostCheck(ctx context.Context, scope string, usage domain.Usage, budget Budget, elapsed time.Duration, err error)
}

// BudgetManager enforces token and API call limits across every model call
// of a run. Usage is shared by all wrappers created from the same manager.
type BudgetManager struct {
	budget   Budget
	observer BudgetObserver

	tokens atomic.Int64
	calls  atomic.Int64
}

// NewBudgetManager creates a BudgetManager with the specified limits and
// an optional observer.
func NewBudgetManager(budget Budget, observer BudgetObserver) *BudgetManager {
	return &BudgetManager{budget: budget, observer: observer}
}

// Validate checks that the budget limits are not negative.
func (bm *BudgetManager) Validate() error {
	if bm.budget.MaxTokens < 0 {
		return fmt.Errorf("budget manager: max_tokens cannot be negative, got %d", bm.budget.MaxTokens)
	}
	if bm.budget.MaxCalls < 0 {
		return fmt.Errorf("budget manager: max_calls cannot be negative, got %d", bm.budget.MaxCalls)
	}
	return nil
}

// Usage returns the consumption recorded so far.
func (bm *BudgetManager) Usage() domain.Usage {
	return domain.Usage{Tokens: bm.tokens.Load(), Calls: bm.calls.Load()}
}

// guard runs call under the budget. call returns the tokens it consumed.
// A call that would exceed MaxCalls is not made; a call whose tokens push
// usage past MaxTokens fails after the fact so that its output is not used.
func (bm *BudgetManager) guard(ctx context.Context, scope string, call func(context.Context) (int64, error)) error {
	if bm.budget.MaxTokens > 0 {
		if used := bm.tokens.Load(); used >= bm.budget.MaxTokens {
			return domain.NewBudgetExceededError("tokens", int(bm.budget.MaxTokens), int(used), scope)
		}
	}
	calls := bm.calls.Add(1)
	if bm.budget.MaxCalls > 0 && calls > bm.budget.MaxCalls {
		bm.calls.Add(-1)
		return domain.NewBudgetExceededError("calls", int(bm.budget.MaxCalls), int(calls), scope)
	}

	if bm.observer != nil {
		ctx = bm.observer.PreCheck(ctx, scope, bm.Usage(), bm.budget)
	}

	start := time.Now()
	tokens, err := call(ctx)
	used := bm.tokens.Add(tokens)

	// We check the budget again after the call to catch a single request
	// that consumed more than what was left.
	if err == nil && bm.budget.MaxTokens > 0 && used > bm.budget.MaxTokens {
		err = domain.NewBudgetExceededError("tokens", int(bm.budget.MaxTokens), int(used), scope)
	}

	if bm.observer != nil {
		bm.observer.PostCheck(ctx, scope, bm.Usage(), bm.budget, time.Since(start), err)
	}
	return err
}

// WrapScorer returns a TokenScorer whose calls count against the budget.
func (bm *BudgetManager) WrapScorer(next ports.TokenScorer) ports.TokenScorer {
	if next == nil {
		panic("budget manager: next scorer is required")
	}
	return &budgetedScorer{manager: bm, next: next}
}

// WrapClient returns an LLMClient whose calls count against the budget.
func (bm *BudgetManager) WrapClient(next ports.LLMClient) ports.LLMClient {
	if next == nil {
		panic("budget manager: next client is required")
	}
	return &budgetedClient{manager: bm, next: next}
}

// estimateTokens assumes roughly four characters per token.
func estimateTokens(text string) int64 {
	return int64(len(text)+3) / 4
}

type budgetedScorer struct {
	manager *BudgetManager
	next    ports.TokenScorer
}

func (s *budgetedScorer) scope() string { return "scorer:" + s.next.GetModel() }

func (s *budgetedScorer) NextTokenLogprobs(ctx context.Context, prompts []string, k int) ([]ports.TokenDistribution, error) {
	var out []ports.TokenDistribution
	err := s.manager.guard(ctx, s.scope(), func(ctx context.Context) (int64, error) {
		var err error
		out, err = s.next.NextTokenLogprobs(ctx, prompts, k)
		if err != nil {
			return 0, err
		}
		// Each prompt is read once and yields one new token.
		var tokens int64
		for _, p := range prompts {
			tokens += estimateTokens(p) + 1
		}
		return tokens, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *budgetedScorer) ScoreContinuations(ctx context.Context, prefixes, continuations []string) ([]float64, error) {
	var out []float64
	err := s.manager.guard(ctx, s.scope(), func(ctx context.Context) (int64, error) {
		var err error
		out, err = s.next.ScoreContinuations(ctx, prefixes, continuations)
		if err != nil {
			return 0, err
		}
		var tokens int64
		for i := range prefixes {
			tokens += estimateTokens(prefixes[i] + continuations[i])
		}
		return tokens, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *budgetedScorer) GetModel() string { return s.next.GetModel() }

type budgetedClient struct {
	manager *BudgetManager
	next    ports.LLMClient
}

func (c *budgetedClient) Complete(ctx context.Context, prompt string, options map[string]any) (string, error) {
	var out string
	err := c.manager.guard(ctx, "client:"+c.next.GetModel(), func(ctx context.Context) (int64, error) {
		var err error
		out, err = c.next.Complete(ctx, prompt, options)
		if err != nil {
			return 0, err
		}
		in, _ := c.next.EstimateTokens(prompt)
		generated, _ := c.next.EstimateTokens(out)
		return int64(in + generated), nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

func (c *budgetedClient) EstimateTokens(text string) (int, error) { return c.next.EstimateTokens(text) }

func (c *budgetedClient) GetModel() string { return c.next.GetModel() }
