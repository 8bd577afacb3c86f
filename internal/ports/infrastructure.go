// Package ports defines the core interfaces that form the contract between
// the domain/application layers and the infrastructure layer.
// These interfaces enable dependency inversion and make the system testable.
package ports

import (
	"context"
	"time"
)

// LLMClient defines the interface for interacting with Large Language
// Model providers that only expose whole-sequence completion.
// Implementations should handle provider-specific details like authentication,
// request formatting, and response parsing.
type LLMClient interface {
	// Complete sends a completion request to the LLM provider.
	// It returns the generated text and any error encountered.
	// The implementation should handle rate limiting, retries, and timeouts.
	//
	// Common options include:
	//   - "temperature": float64
	//   - "top_p": float64
	//   - "top_k": int
	//   - "max_tokens": int
	//   - "stop": []string
	Complete(ctx context.Context, prompt string, options map[string]any) (string, error)

	// EstimateTokens calculates the approximate token count for a given text.
	EstimateTokens(text string) (int, error)

	// GetModel returns the model identifier being used by this client.
	GetModel() string
}

// TokenDistribution is a truncated next-token distribution returned by a
// TokenScorer.
type TokenDistribution struct {
	// Logprobs maps token text to its natural-log probability. Only the
	// provider's top candidates are present.
	Logprobs map[string]float64
	// Finished is true when the provider ended the sequence at this step
	// without offering any candidates. It is ignored when Logprobs is
	// non-empty.
	Finished bool
}

// TokenScorer exposes next-token log-probabilities of a language model.
// It is the capability the step-wise decoding loop and zero-shot scoring
// build on.
type TokenScorer interface {
	// NextTokenLogprobs returns, for every prompt, the top-k candidates for
	// the token that would follow it. The result is index-aligned with
	// prompts.
	NextTokenLogprobs(ctx context.Context, prompts []string, k int) ([]TokenDistribution, error)

	// ScoreContinuations returns the summed log-probability of each
	// continuation given its prefix. The result is index-aligned with the
	// inputs.
	ScoreContinuations(ctx context.Context, prefixes, continuations []string) ([]float64, error)

	// GetModel returns the model identifier being scored.
	GetModel() string
}

// MetricsCollector defines the interface for collecting operational metrics.
// Implementations should integrate with observability platforms like
// Prometheus, OpenTelemetry, or custom monitoring solutions.
type MetricsCollector interface {
	// RecordLatency records the execution time of an operation.
	// The labels map provides additional context for the metric.
	RecordLatency(operation string, duration time.Duration, labels map[string]string)

	// RecordCounter increments a counter metric.
	RecordCounter(metric string, value float64, labels map[string]string)

	// RecordGauge sets the current value of a gauge metric.
	RecordGauge(metric string, value float64, labels map[string]string)

	// RecordHistogram records a value in a histogram.
	RecordHistogram(metric string, value float64, labels map[string]string)
}
