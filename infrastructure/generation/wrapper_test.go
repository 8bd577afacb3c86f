package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ahrav/go-synthgen/infrastructure/llm"
	"github.com/ahrav/go-synthgen/internal/ports"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

func greedy() SamplingOptions {
	opts := DefaultSamplingOptions()
	opts.DoSample = false
	opts.TopP = 0
	return opts
}

// recordingCollector keeps counter totals by metric name.
type recordingCollector struct {
	mu        sync.Mutex
	counters  map[string]float64
	latencies map[string]int
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{counters: map[string]float64{}, latencies: map[string]int{}}
}

func (c *recordingCollector) RecordLatency(op string, _ time.Duration, _ map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latencies[op]++
}

func (c *recordingCollector) RecordCounter(metric string, v float64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[metric+":"+labels["reason"]] += v
}

func (c *recordingCollector) RecordGauge(string, float64, map[string]string)     {}
func (c *recordingCollector) RecordHistogram(string, float64, map[string]string) {}

func TestWrapper_GenerateGreedy(t *testing.T) {
	tests := []struct {
		name      string
		script    []string
		mutate    func(*SamplingOptions)
		want      string
		wantCalls int
	}{
		{
			name:      "stops at eos",
			script:    []string{"Great", " acting", "."},
			want:      "Great acting.",
			wantCalls: 4,
		},
		{
			name:      "stops at max length",
			script:    []string{"a", "b", "c", "d"},
			mutate:    func(o *SamplingOptions) { o.MaxLength = 2 },
			want:      "ab",
			wantCalls: 2,
		},
		{
			name:      "cuts at stop string",
			script:    []string{"Loved", " it", "\"", " and"},
			mutate:    func(o *SamplingOptions) { o.StopStrings = []string{"\""} },
			want:      "Loved it",
			wantCalls: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given: a scorer that spells out the script and then offers EOS.
			scorer := llm.NewScriptedScorer(tt.script, DefaultEOSToken)
			w := NewWrapper(scorer)
			opts := greedy()
			if tt.mutate != nil {
				tt.mutate(&opts)
			}

			// When: one prompt is decoded.
			out, err := w.Generate(context.Background(), []string{"Review: \""}, opts)

			// Then: the continuation excludes the prompt.
			require.NoError(t, err)
			assert.Equal(t, []string{tt.want}, out)
			assert.Equal(t, tt.wantCalls, scorer.CallCount())
		})
	}
}

func TestWrapper_BatchesPromptsPerStep(t *testing.T) {
	scorer := llm.NewScriptedScorer([]string{"x", "y"}, DefaultEOSToken)
	w := NewWrapper(scorer)

	out, err := w.Generate(context.Background(), []string{"p1:", "p2:", "p3:"}, greedy())

	require.NoError(t, err)
	assert.Equal(t, []string{"xy", "xy", "xy"}, out)
	assert.Equal(t, 3, scorer.CallCount(), "one scorer call per decoding step")
	assert.Equal(t, []string{"p1:", "p2:", "p3:", "p1:x", "p2:x", "p3:x", "p1:xy", "p2:xy", "p3:xy"}, scorer.Prompts)
}

func TestWrapper_MinLength(t *testing.T) {
	// Given: a model that always prefers to stop.
	scorer := &llm.MockScorer{
		Model: "m",
		NextFunc: func(string) ports.TokenDistribution {
			return ports.TokenDistribution{Logprobs: map[string]float64{DefaultEOSToken: -0.05, "z": -3}}
		},
	}
	w := NewWrapper(scorer)
	opts := greedy()
	opts.MinLength = 3

	// When: decoding with a minimum length.
	out, err := w.Generate(context.Background(), []string{"p"}, opts)

	// Then: EOS is suppressed until the minimum is met.
	require.NoError(t, err)
	assert.Equal(t, []string{"zzz"}, out)
}

func TestWrapper_ProviderFinished(t *testing.T) {
	t.Run("finished flag with candidates keeps decoding", func(t *testing.T) {
		scorer := &llm.MockScorer{
			Model: "m",
			NextFunc: func(string) ports.TokenDistribution {
				return ports.TokenDistribution{Logprobs: map[string]float64{"w": -0.1, DefaultEOSToken: -3}, Finished: true}
			},
		}
		opts := greedy()
		opts.MinLength = 0
		opts.MaxLength = 3

		out, err := NewWrapper(scorer).Generate(context.Background(), []string{"p"}, opts)
		require.NoError(t, err)
		assert.Equal(t, []string{"www"}, out)
	})

	t.Run("empty distribution ends the sequence", func(t *testing.T) {
		scorer := &llm.MockScorer{
			Model:    "m",
			NextFunc: func(string) ports.TokenDistribution { return ports.TokenDistribution{Finished: true} },
		}
		opts := greedy()
		opts.MinLength = 5
		out, err := NewWrapper(scorer).Generate(context.Background(), []string{"p"}, opts)
		require.NoError(t, err)
		assert.Equal(t, []string{""}, out)
	})
}

func TestWrapper_GreedyIgnoresServerSampledStop(t *testing.T) {
	// Given: a completions server whose own sample hit EOS while " Hello" is
	// the most likely candidate.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "cmpl-1",
			"object": "text_completion",
			"choices": []map[string]any{{
				"text":          "",
				"index":         0,
				"finish_reason": "stop",
				"logprobs": map[string]any{
					"tokens":         []string{DefaultEOSToken},
					"token_logprobs": []float32{-3},
					"top_logprobs":   []map[string]float32{{" Hello": -0.05, DefaultEOSToken: -3}},
				},
			}},
		})
	}))
	defer server.Close()

	scorer, err := llm.NewOpenAIScorer(llm.ScorerConfig{
		APIKey:       "test-key",
		Model:        "gpt-3.5-turbo-instruct",
		BaseURL:      server.URL + "/v1",
		BatchPrompts: true,
		HTTPClient:   server.Client(),
	})
	require.NoError(t, err)
	opts := greedy()
	opts.MaxLength = 3

	// When: decoding greedily.
	out, err := NewWrapper(scorer).Generate(context.Background(), []string{"Say:"}, opts)

	// Then: argmax decides every step.
	require.NoError(t, err)
	assert.Equal(t, []string{" Hello Hello Hello"}, out)
}

func TestWrapper_SeededSamplingIsReproducible(t *testing.T) {
	uniform := func(string) ports.TokenDistribution {
		return ports.TokenDistribution{Logprobs: map[string]float64{"a": -1.386, "b": -1.386, "c": -1.386, "d": -1.386}}
	}
	opts := DefaultSamplingOptions()
	opts.TopP = 0
	opts.MaxLength = 12

	run := func(seed uint64) []string {
		w := NewWrapper(&llm.MockScorer{Model: "m", NextFunc: uniform}, WithSeed(seed))
		out, err := w.Generate(context.Background(), []string{"p", "q"}, opts)
		require.NoError(t, err)
		return out
	}

	first := run(42)
	assert.Equal(t, first, run(42))
	assert.NotEqual(t, first, run(43))
	assert.Len(t, first[0], 12)
}

// biasScorer favours " toxic" slightly for regular prompts and strongly for
// prompts starting with "Bias:".
func biasScorer() *llm.MockScorer {
	return &llm.MockScorer{
		Model: "m",
		NextFunc: func(prompt string) ports.TokenDistribution {
			if strings.HasPrefix(prompt, "Bias:") {
				return ports.TokenDistribution{Logprobs: map[string]float64{" toxic": -0.05, " nice": -3.0}}
			}
			return ports.TokenDistribution{Logprobs: map[string]float64{" toxic": -0.6, " nice": -0.8}}
		},
	}
}

func TestWrapper_GenerateSelfDebiasing(t *testing.T) {
	opts := greedy()
	opts.MaxLength = 2

	t.Run("without debiasing the biased token wins", func(t *testing.T) {
		scorer := biasScorer()
		out, err := NewWrapper(scorer).GenerateSelfDebiasing(context.Background(),
			[]string{"Say:"}, [][]string{{"Bias:"}}, opts)

		require.NoError(t, err)
		assert.Equal(t, []string{" toxic toxic"}, out)
		for _, p := range scorer.Prompts {
			assert.False(t, strings.HasPrefix(p, "Bias:"), "debiasing prompts are not scored when lambda is zero")
		}
	})

	t.Run("debiasing steers away from the biased token", func(t *testing.T) {
		scorer := biasScorer()
		debiased := opts
		debiased.DecayConstant = 50

		out, err := NewWrapper(scorer).GenerateSelfDebiasing(context.Background(),
			[]string{"Say:"}, [][]string{{"Bias:"}}, debiased)

		require.NoError(t, err)
		assert.Equal(t, []string{" nice nice"}, out)
		assert.Equal(t, []string{"Say:", "Bias:", "Say: nice", "Bias: nice"}, scorer.Prompts,
			"debiasing prompts share the generated suffix")
	})

	t.Run("sequences without debiasing prompts are unaffected", func(t *testing.T) {
		debiased := opts
		debiased.DecayConstant = 50
		out, err := NewWrapper(biasScorer()).GenerateSelfDebiasing(context.Background(),
			[]string{"Say:", "Say:"}, [][]string{{"Bias:"}, nil}, debiased)

		require.NoError(t, err)
		assert.Equal(t, []string{" nice nice", " toxic toxic"}, out)
	})

	t.Run("mismatched debiasing prompts", func(t *testing.T) {
		_, err := NewWrapper(biasScorer()).GenerateSelfDebiasing(context.Background(),
			[]string{"a", "b"}, [][]string{{"c"}}, opts)
		assert.Error(t, err)
	})
}

func TestWrapper_Errors(t *testing.T) {
	scorer := &llm.MockScorer{Model: "m", Error: ports.ErrRateLimited}
	w := NewWrapper(scorer)

	bad := greedy()
	bad.MaxLength = 0
	_, err := w.Generate(context.Background(), []string{"p"}, bad)
	assert.Error(t, err)
	assert.Zero(t, scorer.CallCount(), "invalid options fail before any request")

	_, err = w.Generate(context.Background(), []string{"p"}, greedy())
	assert.ErrorIs(t, err, ports.ErrRateLimited)

	short := &llm.MockScorer{Model: "m", NextFunc: func(string) ports.TokenDistribution { return ports.TokenDistribution{} }}
	wrong := &countMismatchScorer{MockScorer: short}
	_, err = NewWrapper(wrong).Generate(context.Background(), []string{"a", "b"}, greedy())
	assert.ErrorContains(t, err, "returned 1 distributions for 2 prompts")
}

// countMismatchScorer drops the last distribution of every batch.
type countMismatchScorer struct {
	*llm.MockScorer
}

func (c *countMismatchScorer) NextTokenLogprobs(ctx context.Context, prompts []string, k int) ([]ports.TokenDistribution, error) {
	out, err := c.MockScorer.NextTokenLogprobs(ctx, prompts, k)
	if err != nil {
		return nil, err
	}
	return out[:len(out)-1], nil
}

func TestWrapper_ScoreContinuations(t *testing.T) {
	scorer := &llm.MockScorer{
		Model:     "m",
		ScoreFunc: func(prefix, cont string) float64 { return -float64(len(cont)) },
	}
	w := NewWrapper(scorer)
	assert.True(t, w.SupportsScoring())

	scores, err := w.ScoreContinuations(context.Background(), []string{"a", "b"}, []string{"xx", "yyy"})
	require.NoError(t, err)
	assert.Equal(t, []float64{-2, -3}, scores)

	_, err = w.ScoreContinuations(context.Background(), []string{"a"}, nil)
	assert.Error(t, err)
}

func TestWrapper_RecordsMetrics(t *testing.T) {
	collector := newRecordingCollector()
	scorer := llm.NewScriptedScorer([]string{"a", "b"}, DefaultEOSToken)
	w := NewWrapper(scorer, WithMetrics(collector))

	opts := greedy()
	opts.MaxLength = 5
	_, err := w.Generate(context.Background(), []string{"p", "q"}, opts)
	require.NoError(t, err)

	assert.Equal(t, 2.0, collector.counters["generation_sequences_total:eos"])
	assert.Equal(t, 4.0, collector.counters["generation_tokens_total:"])
	assert.Equal(t, 1, collector.latencies["generation_batch"])
}

func TestCompletionWrapper(t *testing.T) {
	core := llm.NewMockCoreLLM()
	core.ResponseFunc = func(prompt string, _ map[string]any) string {
		return "answer to " + prompt + "\" trailing"
	}
	w := NewCompletionWrapper(llm.NewMockClient(core), WithMaxConcurrency(2))
	assert.False(t, w.SupportsScoring())
	assert.Equal(t, "test-model", w.Model())

	opts := DefaultSamplingOptions()
	opts.TopK = 20
	opts.StopStrings = []string{"\""}

	t.Run("generates whole sequences", func(t *testing.T) {
		out, err := w.Generate(context.Background(), []string{"a", "b", "c"}, opts)

		require.NoError(t, err)
		assert.Equal(t, []string{"answer to a", "answer to b", "answer to c"}, out)
		assert.Equal(t, 3, core.GetCallCount())
		assert.Equal(t, 0.9, core.LastOpts["top_p"])
		assert.Equal(t, 20, core.LastOpts["top_k"])
		assert.Equal(t, 40, core.LastOpts["max_tokens"])
		assert.Contains(t, core.LastOpts, "seed")
	})

	t.Run("greedy sends zero temperature", func(t *testing.T) {
		g := opts
		g.DoSample = false
		_, err := w.Generate(context.Background(), []string{"a"}, g)
		require.NoError(t, err)
		assert.Equal(t, 0.0, core.LastOpts["temperature"])
	})

	t.Run("debiasing unsupported", func(t *testing.T) {
		d := opts
		d.DecayConstant = 10
		_, err := w.GenerateSelfDebiasing(context.Background(), []string{"a"}, [][]string{{"b"}}, d)
		assert.ErrorIs(t, err, ErrDebiasingUnsupported)
	})

	t.Run("scoring unsupported", func(t *testing.T) {
		_, err := w.ScoreContinuations(context.Background(), []string{"a"}, []string{"b"})
		assert.ErrorIs(t, err, ErrScoringUnsupported)
	})

	t.Run("client errors propagate", func(t *testing.T) {
		failing := llm.NewMockCoreLLM()
		failing.Error = errors.New("boom")
		_, err := NewCompletionWrapper(llm.NewMockClient(failing)).Generate(context.Background(), []string{"a"}, opts)
		assert.ErrorContains(t, err, "boom")
	})
}
