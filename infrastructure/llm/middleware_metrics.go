package llm

import (
	"context"
	"errors"
	"time"

	"github.com/ahrav/go-synthgen/internal/ports"
)

// metricsLLM implements request metrics collection.
// This provides observability into request patterns, latency,
// token usage, and error rates for operational monitoring.
type metricsLLM struct {
	next      CoreLLM
	collector ports.MetricsCollector
	provider  string
}

// MetricsMiddleware creates middleware that collects request metrics.
// The provider name is attached to every sample.
func MetricsMiddleware(collector ports.MetricsCollector, provider string) Middleware {
	return func(next CoreLLM) CoreLLM {
		return &metricsLLM{
			next:      next,
			collector: collector,
			provider:  provider,
		}
	}
}

// DoRequest executes the request while collecting latency, status,
// and token usage.
func (m *metricsLLM) DoRequest(ctx context.Context, prompt string, opts map[string]any) (string, int, int, error) {
	start := time.Now()
	response, tokensIn, tokensOut, err := m.next.DoRequest(ctx, prompt, opts)

	if m.collector == nil {
		return response, tokensIn, tokensOut, err
	}

	labels := requestLabels(ctx, m.provider, m.next.GetModel(), "complete", err)
	m.collector.RecordHistogram("llm_latency_seconds", time.Since(start).Seconds(), labels)
	m.collector.RecordCounter("llm_requests_total", 1, labels)

	if err == nil {
		labels["token_type"] = "input"
		m.collector.RecordCounter("llm_tokens_total", float64(tokensIn), labels)

		labels["token_type"] = "output"
		m.collector.RecordCounter("llm_tokens_total", float64(tokensOut), labels)
	}

	return response, tokensIn, tokensOut, err
}

// GetModel returns the model name from the wrapped implementation.
func (m *metricsLLM) GetModel() string { return m.next.GetModel() }

// SetModel updates the model name in the wrapped implementation.
func (m *metricsLLM) SetModel(model string) { m.next.SetModel(model) }

// requestLabels builds the label set shared by the client and scorer metrics.
func requestLabels(ctx context.Context, provider, model, operation string, err error) map[string]string {
	labels := map[string]string{
		"provider":  provider,
		"model":     model,
		"operation": operation,
		"status":    "success",
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrCircuitOpen):
		labels["status"] = "circuit_open"
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		labels["status"] = "timeout"
	default:
		labels["status"] = "error"
	}

	return labels
}

// metricsScorer records latency, request counts, and scored prompt counts
// for a TokenScorer.
type metricsScorer struct {
	next      ports.TokenScorer
	collector ports.MetricsCollector
	provider  string
}

// MetricsScorerMiddleware creates scorer middleware that collects request
// metrics under the same names as MetricsMiddleware.
func MetricsScorerMiddleware(collector ports.MetricsCollector, provider string) ScorerMiddleware {
	return func(next ports.TokenScorer) ports.TokenScorer {
		return &metricsScorer{next: next, collector: collector, provider: provider}
	}
}

func (m *metricsScorer) NextTokenLogprobs(
	ctx context.Context,
	prompts []string,
	k int,
) ([]ports.TokenDistribution, error) {
	start := time.Now()
	out, err := m.next.NextTokenLogprobs(ctx, prompts, k)
	m.record(ctx, "next_token", len(prompts), start, err)
	return out, err
}

func (m *metricsScorer) ScoreContinuations(
	ctx context.Context,
	prefixes, continuations []string,
) ([]float64, error) {
	start := time.Now()
	out, err := m.next.ScoreContinuations(ctx, prefixes, continuations)
	m.record(ctx, "score", len(prefixes), start, err)
	return out, err
}

func (m *metricsScorer) GetModel() string { return m.next.GetModel() }

func (m *metricsScorer) record(ctx context.Context, operation string, prompts int, start time.Time, err error) {
	if m.collector == nil {
		return
	}
	labels := requestLabels(ctx, m.provider, m.next.GetModel(), operation, err)
	m.collector.RecordHistogram("llm_latency_seconds", time.Since(start).Seconds(), labels)
	m.collector.RecordCounter("llm_requests_total", 1, labels)
	if err == nil {
		m.collector.RecordCounter("llm_prompts_scored_total", float64(prompts), labels)
	}
}
