// Package llm provides the model transport used by the generator: a unified
// completion client over several providers, a log-probability scorer for
// OpenAI-compatible completion endpoints, and middleware for rate limiting,
// retries, circuit breaking, run budgets, metrics, and tracing.
//
// Basic usage:
//
//	client, err := llm.NewClient("anthropic", llm.ClientConfig{
//	    APIKey: os.Getenv("ANTHROPIC_API_KEY"),
//	    Model:  "claude-3-5-haiku-latest",
//	    Middleware: []llm.Middleware{
//	        llm.RateLimitMiddleware(10, 20),
//	        llm.RetryMiddleware(3, time.Second, 30*time.Second),
//	    },
//	})
//	text, err := client.Complete(ctx, "Write a movie review:", map[string]any{"temperature": 0.9})
//
// Step-wise decoding needs next-token distributions, which only the
// completions scorer provides:
//
//	scorer, err := llm.NewOpenAIScorer(llm.ScorerConfig{APIKey: key, Model: "gpt-3.5-turbo-instruct"})
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/ahrav/go-synthgen/internal/ports"
)

// CoreLLM is one provider endpoint. Middleware wraps it.
type CoreLLM interface {
	// DoRequest completes prompt. opts carries the sampling settings parsed
	// by ParseRequestOptions.
	DoRequest(
		ctx context.Context,
		prompt string,
		opts map[string]any,
	) (
		response string,
		tokensIn, tokensOut int,
		err error,
	)

	GetModel() string
	SetModel(model string)
}

// TokenEstimator approximates token counts for providers that report none.
type TokenEstimator interface {
	EstimateTokens(text string) int
}

// ClientConfig configures a completion client. Ollama needs no APIKey.
type ClientConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	// Timeout bounds the provider's HTTP client. Zero leaves it unbounded.
	Timeout time.Duration
	// TokenEstimator defaults to SimpleTokenEstimator.
	TokenEstimator TokenEstimator
	// Middleware is applied outermost first.
	Middleware []Middleware
}

// Middleware wraps a CoreLLM.
type Middleware func(CoreLLM) CoreLLM

// Client is the ports.LLMClient used by direct-completion runs.
type Client struct {
	core      CoreLLM
	estimator TokenEstimator
}

var _ ports.LLMClient = (*Client)(nil)

var keylessProviders = map[string]bool{
	"ollama": true,
}

// NewClient builds the provider registered as providerType and wraps it in
// config.Middleware.
func NewClient(providerType string, config ClientConfig) (*Client, error) {
	if config.APIKey == "" && !keylessProviders[providerType] {
		return nil, fmt.Errorf("API key is required")
	}

	if config.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	factory, ok := providerFactories[providerType]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", providerType)
	}

	core, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}

	for i := len(config.Middleware) - 1; i >= 0; i-- {
		core = config.Middleware[i](core)
	}

	estimator := config.TokenEstimator
	if estimator == nil {
		estimator = &SimpleTokenEstimator{}
	}

	return &Client{
		core:      core,
		estimator: estimator,
	}, nil
}

// Complete implements ports.LLMClient.
func (c *Client) Complete(ctx context.Context, prompt string, options map[string]any) (string, error) {
	response, _, _, err := c.CompleteWithUsage(ctx, prompt, options)
	return response, err
}

// CompleteWithUsage also returns the input and output token counts.
func (c *Client) CompleteWithUsage(
	ctx context.Context,
	prompt string,
	options map[string]any,
) (string, int, int, error) {
	return c.core.DoRequest(ctx, prompt, options)
}

func (c *Client) EstimateTokens(text string) (int, error) {
	return c.estimator.EstimateTokens(text), nil
}

func (c *Client) GetModel() string { return c.core.GetModel() }

// SimpleTokenEstimator assumes four characters per token, rounding up.
type SimpleTokenEstimator struct{}

func (e *SimpleTokenEstimator) EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// ProviderFactory builds a CoreLLM. Providers register one from init.
type ProviderFactory func(ClientConfig) (CoreLLM, error)

var providerFactories = map[string]ProviderFactory{}

// RegisterProviderFactory makes a provider available to NewClient under
// providerType, replacing any earlier registration.
func RegisterProviderFactory(providerType string, factory ProviderFactory) {
	providerFactories[providerType] = factory
}
