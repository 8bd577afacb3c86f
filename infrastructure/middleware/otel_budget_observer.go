package middleware

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/go-synthgen/internal/domain"
	"github.com/ahrav/go-synthgen/internal/ports"
)

var _ BudgetObserver = (*OTelBudgetObserver)(nil)

// Usage fractions at which PreCheck adds threshold events to the span.
const (
	warningThreshold  = 0.8
	criticalThreshold = 0.9
)

// OTelBudgetObserver implements observability for budget operations using
// OpenTelemetry tracing. It creates a span per guarded call, sets usage
// attributes, and records events for threshold warnings or errors.
// The span travels in the context, so one observer serves concurrent calls.
type OTelBudgetObserver struct {
	metrics ports.MetricsCollector
	tracer  trace.Tracer
}

// NewOTelBudgetObserver creates a new OpenTelemetry budget observer.
// metrics may be nil.
func NewOTelBudgetObserver(metrics ports.MetricsCollector) *OTelBudgetObserver {
	return &OTelBudgetObserver{
		metrics: metrics,
		tracer:  otel.Tracer("budget-manager"),
	}
}

// PreCheck implements the BudgetObserver interface. It starts a span and
// records the budget state before the call and threshold warnings.
func (o *OTelBudgetObserver) PreCheck(ctx context.Context, scope string, usage domain.Usage, budget Budget) context.Context {
	ctx, span := o.tracer.Start(ctx, "BudgetManager.Call")
	o.addSpanAttributes(span, scope, usage, budget)
	o.checkBudgetThresholds(span, usage, budget)
	return ctx
}

// PostCheck implements the BudgetObserver interface. It finalizes the span,
// records metrics, and handles any error conditions that occurred.
func (o *OTelBudgetObserver) PostCheck(
	ctx context.Context,
	scope string,
	usage domain.Usage,
	budget Budget,
	elapsed time.Duration,
	err error,
) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	o.addSpanAttributes(span, scope, usage, budget)

	if o.metrics != nil {
		o.metrics.RecordLatency("budget_manager_execution", elapsed, o.createMetricLabels(scope, budget))
	}

	if err != nil {
		var budgetErr *domain.BudgetExceededError
		if errors.As(err, &budgetErr) {
			span.AddEvent("budget.exceeded", trace.WithAttributes(
				attribute.String("limit_type", budgetErr.LimitType),
				attribute.Int("limit_value", budgetErr.Limit),
				attribute.Int("used_value", budgetErr.Used),
			))
			span.SetStatus(codes.Error, "Budget limit exceeded")

			if o.metrics != nil {
				labels := o.createMetricLabels(scope, budget)
				labels["limit_type"] = budgetErr.LimitType
				o.metrics.RecordCounter("budget_exceeded_total", 1, labels)
			}
		} else {
			span.SetStatus(codes.Error, err.Error())
		}
		return
	}

	span.AddEvent("budget.usage_tracked", trace.WithAttributes(
		attribute.Int64("tokens_consumed", usage.Tokens),
		attribute.Int64("calls_made", usage.Calls),
	))

	o.updateMetrics(scope, usage, budget)
	span.SetStatus(codes.Ok, "")
}

// addSpanAttributes sets span attributes for budget tracking.
func (o *OTelBudgetObserver) addSpanAttributes(span trace.Span, scope string, usage domain.Usage, budget Budget) {
	span.SetAttributes(
		attribute.String("budget.scope", scope),
		attribute.Int64("budget.tokens_used", usage.Tokens),
		attribute.Int64("budget.calls_made", usage.Calls),
	)

	if budget.MaxTokens > 0 {
		span.SetAttributes(
			attribute.Int64("budget.max_tokens", budget.MaxTokens),
			attribute.Int64("budget.remaining_tokens", budget.MaxTokens-usage.Tokens),
		)
	}

	if budget.MaxCalls > 0 {
		span.SetAttributes(
			attribute.Int64("budget.max_calls", budget.MaxCalls),
			attribute.Int64("budget.remaining_calls", budget.MaxCalls-usage.Calls),
		)
	}
}

// checkBudgetThresholds adds span events when usage crosses the warning
// or critical fraction of a limit.
func (o *OTelBudgetObserver) checkBudgetThresholds(span trace.Span, usage domain.Usage, budget Budget) {
	check := func(resource string, used, limit int64) {
		if limit <= 0 {
			return
		}
		fraction := float64(used) / float64(limit)
		event := ""
		switch {
		case fraction >= criticalThreshold:
			event = "budget.threshold.critical"
		case fraction >= warningThreshold:
			event = "budget.threshold.warning"
		default:
			return
		}
		span.AddEvent(event, trace.WithAttributes(
			attribute.String("resource_type", resource),
			attribute.Float64("usage_percentage", fraction*100),
		))
	}
	check("tokens", usage.Tokens, budget.MaxTokens)
	check("calls", usage.Calls, budget.MaxCalls)
}

// updateMetrics sends current budget usage to the metrics collector.
func (o *OTelBudgetObserver) updateMetrics(scope string, usage domain.Usage, budget Budget) {
	if o.metrics == nil {
		return
	}

	labels := o.createMetricLabels(scope, budget)
	o.metrics.RecordGauge("budget_tokens_used", float64(usage.Tokens), labels)
	o.metrics.RecordGauge("budget_calls_used", float64(usage.Calls), labels)

	if budget.MaxTokens > 0 {
		o.metrics.RecordGauge("budget_remaining_tokens", float64(budget.MaxTokens-usage.Tokens), labels)
	}
	if budget.MaxCalls > 0 {
		o.metrics.RecordGauge("budget_remaining_calls", float64(budget.MaxCalls-usage.Calls), labels)
	}
}

// createMetricLabels creates the standard set of budget metric labels.
func (o *OTelBudgetObserver) createMetricLabels(scope string, budget Budget) map[string]string {
	return map[string]string{
		"budget_limit": budgetLimitLabel(budget),
		"scope":        scope,
	}
}

// budgetLimitLabel describes which limits are configured.
func budgetLimitLabel(budget Budget) string {
	switch {
	case budget.MaxTokens > 0 && budget.MaxCalls > 0:
		return "tokens_and_calls"
	case budget.MaxTokens > 0:
		return "tokens_only"
	case budget.MaxCalls > 0:
		return "calls_only"
	default:
		return "unlimited"
	}
}
