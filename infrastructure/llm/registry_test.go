package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, baseURL string) *Registry {
	t.Helper()
	r, err := NewRegistry(RegistryConfig{
		DefaultProvider: "openai",
		Providers:       DefaultProviders,
		BaseURL:         baseURL,
	})
	require.NoError(t, err)
	return r
}

func TestNewRegistry_Validation(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{Providers: DefaultProviders})
	assert.Error(t, err)

	_, err = NewRegistry(RegistryConfig{DefaultProvider: "missing", Providers: DefaultProviders})
	assert.Error(t, err)
}

func TestRegistry_ParseSpec(t *testing.T) {
	r := newTestRegistry(t, "")
	tests := []struct {
		spec, provider, model string
	}{
		{"openai/gpt-3.5-turbo-instruct", "openai", "gpt-3.5-turbo-instruct"},
		{"anthropic", "anthropic", AnthropicDefaultModel},
		{"vllm/meta-llama/Llama-3.1-8B", "vllm", "meta-llama/Llama-3.1-8B"},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			provider, model := r.parseSpec(tt.spec)
			assert.Equal(t, tt.provider, provider)
			assert.Equal(t, tt.model, model)
		})
	}
}

func TestRegistry_SupportsScoring(t *testing.T) {
	r := newTestRegistry(t, "")
	assert.True(t, r.SupportsScoring("openai/gpt-3.5-turbo-instruct"))
	assert.True(t, r.SupportsScoring("openai/davinci-002"))
	assert.False(t, r.SupportsScoring("openai/gpt-4o-mini"))
	assert.True(t, r.SupportsScoring("vllm/gpt2-xl"))
	assert.False(t, r.SupportsScoring("anthropic/claude-3-5-haiku-latest"))
	assert.False(t, r.SupportsScoring("ollama/llama3.2"))
	assert.False(t, r.SupportsScoring("unknown/model"))

	overridden := newTestRegistry(t, "http://localhost:9000/v1")
	assert.True(t, overridden.SupportsScoring("openai/any-local-model"))
}

func TestRegistry_GetScorer(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-key")
	r := newTestRegistry(t, "")

	scorer, err := r.GetScorer("openai/gpt-3.5-turbo-instruct")
	require.NoError(t, err)
	assert.Equal(t, "gpt-3.5-turbo-instruct", scorer.GetModel())

	again, err := r.GetScorer("openai/gpt-3.5-turbo-instruct")
	require.NoError(t, err)
	assert.Same(t, scorer, again)

	_, err = r.GetScorer("anthropic/claude-3-5-haiku-latest")
	assert.Error(t, err)

	assert.Equal(t, []string{"openai"}, r.GetRegisteredProviders())
}

func TestRegistry_GetClient(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	r := newTestRegistry(t, "")

	_, err := r.GetClient("anthropic/claude-3-5-haiku-latest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")

	t.Setenv("ANTHROPIC_API_KEY", "k")
	client, err := r.GetClient("anthropic/claude-3-5-haiku-latest")
	require.NoError(t, err)
	assert.Equal(t, "claude-3-5-haiku-latest", client.GetModel())

	local, err := r.GetClient("ollama")
	require.NoError(t, err)
	assert.Equal(t, OllamaDefaultModel, local.GetModel())

	_, err = r.GetClient("")
	assert.Error(t, err)
}
