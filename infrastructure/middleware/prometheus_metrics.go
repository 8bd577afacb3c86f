package middleware

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ahrav/go-synthgen/internal/ports"
)

// Label sets of the known metrics.
var (
	llmLabels            = []string{"provider", "model", "operation", "status"}
	llmTokenLabels       = []string{"provider", "model", "operation", "status", "token_type"}
	entryLabels          = []string{"task", "label", "outcome"}
	budgetLabels         = []string{"scope", "budget_limit"}
	budgetExceededLabels = []string{"scope", "budget_limit", "limit_type"}
	sequenceLabels       = []string{"mode", "reason"}
	generationLabels     = []string{"mode"}
)

// PrometheusMetrics implements the MetricsCollector interface using Prometheus.
// It exposes LLM request, decoding, dataset, small-model and budget metrics
// on its own registry.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	llmLatency     *prometheus.HistogramVec
	llmRequests    *prometheus.CounterVec
	llmTokens      *prometheus.CounterVec
	promptsScored  *prometheus.CounterVec
	batchLatency   *prometheus.HistogramVec
	sequences      *prometheus.CounterVec
	generatedToks  *prometheus.CounterVec
	entries        *prometheus.CounterVec
	smallModelAcc  *prometheus.GaugeVec
	budgetLatency  *prometheus.HistogramVec
	budgetExceeded *prometheus.CounterVec
	budgetState    *prometheus.GaugeVec

	operationLatency *prometheus.HistogramVec
	operationCounter *prometheus.CounterVec
	systemGauges     *prometheus.GaugeVec
}

// NewPrometheusMetrics creates a PrometheusMetrics instance with every
// metric registered in a fresh registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &PrometheusMetrics{
		registry: reg,

		// LLM transport metrics.
		llmLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm_latency_seconds",
			Help:    "Latency of LLM provider requests.",
			Buckets: prometheus.DefBuckets,
		}, llmLabels),
		llmRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "Total number of LLM provider requests.",
		}, llmLabels),
		llmTokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Tokens reported by LLM providers.",
		}, llmTokenLabels),
		promptsScored: f.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_prompts_scored_total",
			Help: "Prompts sent to log-probability scorers.",
		}, llmLabels),

		// Decoding metrics.
		batchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "generation_batch_duration_seconds",
			Help:    "Time to decode one batch of prompts.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, generationLabels),
		sequences: f.NewCounterVec(prometheus.CounterOpts{
			Name: "generation_sequences_total",
			Help: "Decoded sequences by finish reason.",
		}, sequenceLabels),
		generatedToks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "generation_tokens_total",
			Help: "Tokens generated by step-wise decoding.",
		}, generationLabels),

		// Dataset metrics.
		entries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "synthgen_entries_total",
			Help: "Raw model outputs by post-processing outcome.",
		}, entryLabels),
		smallModelAcc: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synthgen_small_model_accuracy",
			Help: "Validation accuracy of the small model after its last training round.",
		}, []string{"task"}),

		// Budget metrics.
		budgetLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "budget_manager_execution_duration_seconds",
			Help:    "Duration of model calls guarded by the budget manager.",
			Buckets: prometheus.DefBuckets,
		}, budgetLabels),
		budgetExceeded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "budget_exceeded_total",
			Help: "Calls rejected because the run budget was exhausted.",
		}, budgetExceededLabels),
		budgetState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "budget_manager_state",
			Help: "Current budget usage and remaining allowance.",
		}, []string{"metric", "scope"}),

		// Fallbacks for metrics without a dedicated collector.
		operationLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "synthgen_operation_duration_seconds",
			Help:    "Duration of other operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		operationCounter: f.NewCounterVec(prometheus.CounterOpts{
			Name: "synthgen_operations_total",
			Help: "Other counted events.",
		}, []string{"metric"}),
		systemGauges: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synthgen_state",
			Help: "Other gauge values.",
		}, []string{"metric"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{Registry: pm.registry})
}

// Registry returns the registry the metrics are registered in.
func (pm *PrometheusMetrics) Registry() *prometheus.Registry { return pm.registry }

// values returns the label values for names, using "unknown" for missing
// or empty labels.
func values(labels map[string]string, names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		v := labels[n]
		if v == "" {
			v = "unknown"
		}
		out[i] = v
	}
	return out
}

// RecordLatency implements the MetricsCollector interface.
func (pm *PrometheusMetrics) RecordLatency(operation string, duration time.Duration, labels map[string]string) {
	switch operation {
	case "generation_batch":
		pm.batchLatency.WithLabelValues(values(labels, generationLabels)...).Observe(duration.Seconds())
	case "budget_manager_execution":
		pm.budgetLatency.WithLabelValues(values(labels, budgetLabels)...).Observe(duration.Seconds())
	default:
		pm.operationLatency.WithLabelValues(operation).Observe(duration.Seconds())
	}
}

// RecordCounter implements the MetricsCollector interface.
func (pm *PrometheusMetrics) RecordCounter(metric string, value float64, labels map[string]string) {
	switch metric {
	case "llm_requests_total":
		pm.llmRequests.WithLabelValues(values(labels, llmLabels)...).Add(value)
	case "llm_tokens_total":
		pm.llmTokens.WithLabelValues(values(labels, llmTokenLabels)...).Add(value)
	case "llm_prompts_scored_total":
		pm.promptsScored.WithLabelValues(values(labels, llmLabels)...).Add(value)
	case "generation_sequences_total":
		pm.sequences.WithLabelValues(values(labels, sequenceLabels)...).Add(value)
	case "generation_tokens_total":
		pm.generatedToks.WithLabelValues(values(labels, generationLabels)...).Add(value)
	case "synthgen_entries_total":
		pm.entries.WithLabelValues(values(labels, entryLabels)...).Add(value)
	case "budget_exceeded_total":
		pm.budgetExceeded.WithLabelValues(values(labels, budgetExceededLabels)...).Add(value)
	default:
		pm.operationCounter.WithLabelValues(metric).Add(value)
	}
}

// RecordGauge implements the MetricsCollector interface.
func (pm *PrometheusMetrics) RecordGauge(metric string, value float64, labels map[string]string) {
	switch metric {
	case "synthgen_small_model_accuracy":
		pm.smallModelAcc.WithLabelValues(values(labels, []string{"task"})...).Set(value)
	case "budget_tokens_used", "budget_calls_used", "budget_remaining_tokens", "budget_remaining_calls":
		pm.budgetState.WithLabelValues(metric, values(labels, []string{"scope"})[0]).Set(value)
	default:
		pm.systemGauges.WithLabelValues(metric).Set(value)
	}
}

// RecordHistogram implements the MetricsCollector interface.
func (pm *PrometheusMetrics) RecordHistogram(metric string, value float64, labels map[string]string) {
	switch metric {
	case "llm_latency_seconds":
		pm.llmLatency.WithLabelValues(values(labels, llmLabels)...).Observe(value)
	default:
		pm.operationLatency.WithLabelValues(metric).Observe(value)
	}
}

// Compile-time verification that PrometheusMetrics implements MetricsCollector.
var _ ports.MetricsCollector = (*PrometheusMetrics)(nil)
