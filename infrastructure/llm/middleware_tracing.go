package llm

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/go-synthgen/internal/ports"
)

const tracerName = "github.com/ahrav/go-synthgen/infrastructure/llm"

// tracedLLM wraps every request in an OpenTelemetry span.
type tracedLLM struct {
	next        CoreLLM
	serviceName string
	tracer      trace.Tracer
}

// TracingMiddleware creates middleware that adds distributed tracing to requests.
// Spans are created with the globally registered tracer provider.
func TracingMiddleware(serviceName string) Middleware {
	tracer := otel.Tracer(tracerName)
	return func(next CoreLLM) CoreLLM {
		return &tracedLLM{
			next:        next,
			serviceName: serviceName,
			tracer:      tracer,
		}
	}
}

// DoRequest executes the request within a span carrying the model, prompt
// length, and token usage.
func (t *tracedLLM) DoRequest(ctx context.Context, prompt string, opts map[string]any) (string, int, int, error) {
	ctx, span := t.tracer.Start(ctx, "llm.request",
		trace.WithAttributes(
			attribute.String("service.name", t.serviceName),
			attribute.String("llm.model", t.next.GetModel()),
			attribute.Int("llm.prompt.length", len(prompt)),
		),
	)
	defer span.End()

	response, tokensIn, tokensOut, err := t.next.DoRequest(ctx, prompt, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return response, tokensIn, tokensOut, err
	}

	span.SetAttributes(
		attribute.Int("llm.tokens.input", tokensIn),
		attribute.Int("llm.tokens.output", tokensOut),
	)
	return response, tokensIn, tokensOut, nil
}

// GetModel returns the model name from the wrapped implementation.
func (t *tracedLLM) GetModel() string { return t.next.GetModel() }

// SetModel updates the model name in the wrapped implementation.
func (t *tracedLLM) SetModel(m string) { t.next.SetModel(m) }

// tracedScorer wraps scorer calls in spans.
type tracedScorer struct {
	next        ports.TokenScorer
	serviceName string
	tracer      trace.Tracer
}

// TracingScorerMiddleware creates scorer middleware that adds spans around
// every scoring call.
func TracingScorerMiddleware(serviceName string) ScorerMiddleware {
	tracer := otel.Tracer(tracerName)
	return func(next ports.TokenScorer) ports.TokenScorer {
		return &tracedScorer{next: next, serviceName: serviceName, tracer: tracer}
	}
}

func (t *tracedScorer) NextTokenLogprobs(
	ctx context.Context,
	prompts []string,
	k int,
) ([]ports.TokenDistribution, error) {
	ctx, span := t.start(ctx, "llm.next_token_logprobs", len(prompts))
	defer span.End()
	span.SetAttributes(attribute.Int("llm.logprobs", k))

	out, err := t.next.NextTokenLogprobs(ctx, prompts, k)
	finishSpan(span, err)
	return out, err
}

func (t *tracedScorer) ScoreContinuations(
	ctx context.Context,
	prefixes, continuations []string,
) ([]float64, error) {
	ctx, span := t.start(ctx, "llm.score_continuations", len(prefixes))
	defer span.End()

	out, err := t.next.ScoreContinuations(ctx, prefixes, continuations)
	finishSpan(span, err)
	return out, err
}

func (t *tracedScorer) GetModel() string { return t.next.GetModel() }

func (t *tracedScorer) start(ctx context.Context, name string, batch int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("service.name", t.serviceName),
			attribute.String("llm.model", t.next.GetModel()),
			attribute.Int("llm.batch.size", batch),
		),
	)
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
