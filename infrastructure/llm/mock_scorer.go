package llm

import (
	"context"
	"strings"
	"sync"

	"github.com/ahrav/go-synthgen/internal/ports"
)

// MockScorer is a programmable ports.TokenScorer for tests. Distributions
// are computed per prompt, so batch composition does not matter.
type MockScorer struct {
	mu sync.Mutex

	// Model is returned by GetModel.
	Model string
	// NextFunc returns the next-token distribution for a prompt.
	NextFunc func(prompt string) ports.TokenDistribution
	// ScoreFunc returns the log-probability of continuation given prefix.
	ScoreFunc func(prefix, continuation string) float64
	// Error, when set, fails every call.
	Error error

	// Calls counts scorer invocations.
	Calls int
	// Prompts records every prompt passed to NextTokenLogprobs.
	Prompts []string
}

var _ ports.TokenScorer = (*MockScorer)(nil)

// NewScriptedScorer returns a MockScorer that spells out script one token at
// a time after any prompt, then emits eos. Each step offers the scripted
// token with high probability and an alternative with low probability.
func NewScriptedScorer(script []string, eos string) *MockScorer {
	return &MockScorer{
		Model: "mock-scorer",
		NextFunc: func(prompt string) ports.TokenDistribution {
			step := scriptedStep(prompt, script)
			if step >= len(script) {
				return ports.TokenDistribution{Logprobs: map[string]float64{eos: -0.01, " more": -4.6}}
			}
			return ports.TokenDistribution{Logprobs: map[string]float64{script[step]: -0.01, eos: -4.6}}
		},
	}
}

// scriptedStep finds how many scripted tokens already end the prompt.
func scriptedStep(prompt string, script []string) int {
	for n := len(script); n > 0; n-- {
		if strings.HasSuffix(prompt, strings.Join(script[:n], "")) {
			return n
		}
	}
	return 0
}

// NextTokenLogprobs implements ports.TokenScorer.
func (m *MockScorer) NextTokenLogprobs(ctx context.Context, prompts []string, k int) ([]ports.TokenDistribution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.Calls++
	m.Prompts = append(m.Prompts, prompts...)
	err := m.Error
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]ports.TokenDistribution, len(prompts))
	for i, p := range prompts {
		out[i] = m.NextFunc(p)
	}
	return out, nil
}

// ScoreContinuations implements ports.TokenScorer.
func (m *MockScorer) ScoreContinuations(ctx context.Context, prefixes, continuations []string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.Calls++
	err := m.Error
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]float64, len(prefixes))
	for i := range prefixes {
		if m.ScoreFunc != nil {
			out[i] = m.ScoreFunc(prefixes[i], continuations[i])
		}
	}
	return out, nil
}

// GetModel implements ports.TokenScorer.
func (m *MockScorer) GetModel() string { return m.Model }

// CallCount returns the number of scorer invocations.
func (m *MockScorer) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}
