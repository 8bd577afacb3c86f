// Registry provides multi-provider management for LLM clients and scorers.
// It resolves "provider/model" specifications, loads API keys from the
// environment, applies shared middleware, and caches the results.
//
// Usage:
//
//	registry, err := llm.NewRegistry(llm.RegistryConfig{
//	    DefaultProvider: "openai",
//	    Providers:       llm.DefaultProviders,
//	})
//	if registry.SupportsScoring("openai/gpt-3.5-turbo-instruct") {
//	    scorer, err := registry.GetScorer("openai/gpt-3.5-turbo-instruct")
//	}
//	client, err := registry.GetClient("anthropic/claude-3-5-haiku-latest")
package llm

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ahrav/go-synthgen/internal/ports"
)

// Registry provides multi-provider management for LLM clients.
type Registry struct {
	// providers maps provider names to their configuration
	providers map[string]ProviderConfig
	// clients maps "provider/model" keys to their respective LLMClient implementations.
	clients map[string]ports.LLMClient
	// scorers maps "provider/model" keys to log-probability scorers.
	scorers map[string]ports.TokenScorer
	// defaultProvider specifies the fallback provider when the model field is omitted.
	defaultProvider string
	// defaultMiddleware specifies middleware applied to all clients
	defaultMiddleware []Middleware
	// scorerMiddleware specifies middleware applied to all scorers
	scorerMiddleware []ScorerMiddleware
	// defaultTimeout sets the default request timeout for all providers
	defaultTimeout time.Duration
	// baseURLOverride replaces every provider's BaseURL when set.
	baseURLOverride string
	// mu provides thread-safe access to the registry.
	mu sync.RWMutex
}

// ProviderConfig holds provider-specific configuration.
type ProviderConfig struct {
	// Type specifies the provider implementation type (openai, anthropic, google, ollama)
	Type string
	// EnvVar specifies the environment variable name for the API key
	EnvVar string
	// KeyOptional allows the provider to run without an API key.
	KeyOptional bool
	// DefaultModel specifies the default model to use if not specified
	DefaultModel string
	// SupportedModels lists all models supported by this provider.
	// If empty, no validation is performed (allows any model)
	SupportedModels []string
	// BaseURL overrides the default API endpoint for the provider
	BaseURL string
	// Scoring reports whether the provider serves next-token
	// log-probabilities for the given model. Nil means never.
	Scoring func(model string) bool
	// BatchPrompts sends a whole decoding step in one completions request.
	BatchPrompts bool
	// Middleware specifies provider-specific middleware
	Middleware []Middleware
}

// RegistryConfig holds configuration for the provider registry.
type RegistryConfig struct {
	// Providers defines the available providers and their configurations
	Providers map[string]ProviderConfig
	// DefaultProvider specifies which provider to use when no provider is specified.
	DefaultProvider string
	// DefaultTimeout sets the default request timeout for all providers.
	DefaultTimeout time.Duration
	// DefaultMiddleware specifies default middleware applied to all clients.
	DefaultMiddleware []Middleware
	// ScorerMiddleware specifies middleware applied to all scorers.
	ScorerMiddleware []ScorerMiddleware
	// BaseURL, when set, overrides the endpoint of whichever provider is used.
	BaseURL string
}

// IsCompletionModel reports whether an OpenAI model is served by the legacy
// completions endpoint, which is the one that returns logprobs per token.
func IsCompletionModel(model string) bool {
	return strings.Contains(model, "instruct") ||
		strings.HasPrefix(model, "davinci") ||
		strings.HasPrefix(model, "babbage")
}

func alwaysScores(string) bool { return true }

// DefaultProviders provides standard provider configurations.
var DefaultProviders = map[string]ProviderConfig{
	"openai": {
		Type:         "openai",
		EnvVar:       "OPENAI_API_KEY",
		DefaultModel: "gpt-3.5-turbo-instruct",
		Scoring:      IsCompletionModel,
		BatchPrompts: true,
	},
	"vllm": {
		Type:         "openai",
		EnvVar:       "VLLM_API_KEY",
		KeyOptional:  true,
		DefaultModel: "gpt2-xl",
		BaseURL:      "http://localhost:8000/v1",
		Scoring:      alwaysScores,
		BatchPrompts: true,
	},
	"anthropic": {
		Type:         "anthropic",
		EnvVar:       "ANTHROPIC_API_KEY",
		DefaultModel: AnthropicDefaultModel,
	},
	"google": {
		Type:         "google",
		EnvVar:       "GOOGLE_API_KEY",
		DefaultModel: GoogleDefaultModel,
	},
	"ollama": {
		Type:         "ollama",
		KeyOptional:  true,
		DefaultModel: OllamaDefaultModel,
	},
}

// NewRegistry creates a new provider registry.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.DefaultProvider == "" {
		return nil, fmt.Errorf("default provider cannot be empty")
	}

	if _, exists := config.Providers[config.DefaultProvider]; !exists {
		return nil, fmt.Errorf("default provider %q not found in providers configuration", config.DefaultProvider)
	}

	return &Registry{
		providers:         config.Providers,
		clients:           make(map[string]ports.LLMClient),
		scorers:           make(map[string]ports.TokenScorer),
		defaultProvider:   config.DefaultProvider,
		defaultMiddleware: config.DefaultMiddleware,
		scorerMiddleware:  config.ScorerMiddleware,
		defaultTimeout:    config.DefaultTimeout,
		baseURLOverride:   config.BaseURL,
	}, nil
}

// GetDefaultClient returns a client for the default provider.
func (r *Registry) GetDefaultClient() (ports.LLMClient, error) {
	providerConfig, exists := r.providers[r.defaultProvider]
	if !exists {
		return nil, fmt.Errorf("default provider %q not found in configuration", r.defaultProvider)
	}

	return r.GetClient(r.defaultProvider + "/" + providerConfig.DefaultModel)
}

// GetClient retrieves a client by provider name or model string.
// Supports multiple formats:
//   - "provider": Returns client for specified provider with default model
//   - "provider/model": Returns client for specified provider and model
//
// Clients are created lazily on first request and cached for reuse.
func (r *Registry) GetClient(spec string) (ports.LLMClient, error) {
	if spec == "" {
		return nil, fmt.Errorf("provider specification cannot be empty; use GetDefaultClient() for default provider")
	}

	provider, model := r.parseSpec(spec)
	key := r.buildCacheKey(provider, model)

	r.mu.RLock()
	if client, exists := r.clients[key]; exists {
		r.mu.RUnlock()
		return client, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if client, exists := r.clients[key]; exists {
		return client, nil
	}

	client, err := r.createClient(provider, model)
	if err != nil {
		return nil, err
	}

	r.clients[key] = client
	return client, nil
}

// SupportsScoring reports whether spec resolves to a provider and model
// that serve next-token log-probabilities.
func (r *Registry) SupportsScoring(spec string) bool {
	provider, model := r.parseSpec(spec)
	providerConfig, ok := r.providers[provider]
	if !ok || providerConfig.Scoring == nil {
		return false
	}
	if r.baseURLOverride != "" && providerConfig.Type == "openai" {
		return true
	}
	return providerConfig.Scoring(model)
}

// GetScorer retrieves a log-probability scorer for spec. It fails when the
// provider cannot score the model.
func (r *Registry) GetScorer(spec string) (ports.TokenScorer, error) {
	if spec == "" {
		return nil, fmt.Errorf("provider specification cannot be empty")
	}
	if !r.SupportsScoring(spec) {
		return nil, fmt.Errorf("%q does not serve next-token log-probabilities", spec)
	}

	provider, model := r.parseSpec(spec)
	key := r.buildCacheKey(provider, model)

	r.mu.Lock()
	defer r.mu.Unlock()

	if scorer, exists := r.scorers[key]; exists {
		return scorer, nil
	}

	providerConfig := r.providers[provider]
	apiKey, err := r.apiKey(provider, providerConfig)
	if err != nil {
		return nil, err
	}

	scorer, err := NewOpenAIScorer(ScorerConfig{
		APIKey:       apiKey,
		Model:        model,
		BaseURL:      r.baseURL(providerConfig),
		Provider:     provider,
		BatchPrompts: providerConfig.BatchPrompts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create scorer %q: %w", key, err)
	}

	chained := ChainScorer(scorer, r.scorerMiddleware...)
	r.scorers[key] = chained
	return chained, nil
}

// RegisterClient registers a new client with the registry using custom configuration.
func (r *Registry) RegisterClient(name string, config ClientConfig) error {
	if name == "" {
		return fmt.Errorf("client name cannot be empty")
	}

	provider, model := r.parseSpec(name)
	if !strings.Contains(name, "/") {
		model = config.Model
	}

	providerConfig, exists := r.providers[provider]
	if !exists {
		return fmt.Errorf("unknown provider %q", provider)
	}

	client, err := r.createClientWithConfig(providerConfig.Type, config)
	if err != nil {
		return fmt.Errorf("failed to create client %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[r.buildCacheKey(provider, model)] = client
	return nil
}

// RegisterScorer registers a pre-built scorer under "provider/model".
func (r *Registry) RegisterScorer(spec string, scorer ports.TokenScorer) {
	provider, model := r.parseSpec(spec)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.scorers[r.buildCacheKey(provider, model)] = scorer
}

// parseSpec extracts provider name and model from a specification string.
// Supports formats:
//   - "provider" -> (provider, defaultModel)
//   - "provider/model" -> (provider, model)
//
// Model names may themselves contain slashes ("vllm/meta-llama/Llama-3-8B").
func (r *Registry) parseSpec(spec string) (provider, model string) {
	provider, model, found := strings.Cut(spec, "/")
	if !found {
		if providerConfig, ok := r.providers[provider]; ok {
			model = providerConfig.DefaultModel
		}
	}
	return provider, model
}

// buildCacheKey creates a consistent cache key from provider and model.
func (r *Registry) buildCacheKey(provider, model string) string {
	if model == "" {
		return provider
	}
	return provider + "/" + model
}

// createClient creates a new client instance for the given provider and model.
// It handles environment variable loading, model validation, and client initialization.
func (r *Registry) createClient(provider, model string) (ports.LLMClient, error) {
	providerConfig, exists := r.providers[provider]
	if !exists {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}

	if len(providerConfig.SupportedModels) > 0 && !slices.Contains(providerConfig.SupportedModels, model) {
		return nil, fmt.Errorf("model %q is not supported by provider %q. Supported models: %v",
			model, provider, providerConfig.SupportedModels)
	}

	apiKey, err := r.apiKey(provider, providerConfig)
	if err != nil {
		return nil, err
	}

	config := ClientConfig{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: r.baseURL(providerConfig),
		Timeout: r.defaultTimeout,
	}

	config.Middleware = append([]Middleware{}, r.defaultMiddleware...)
	config.Middleware = append(config.Middleware, providerConfig.Middleware...)

	if config.APIKey == "" {
		config.APIKey = "EMPTY"
	}
	return NewClient(providerConfig.Type, config)
}

// createClientWithConfig creates a client with explicit configuration.
func (r *Registry) createClientWithConfig(providerType string, config ClientConfig) (ports.LLMClient, error) {
	if config.Timeout == 0 {
		config.Timeout = r.defaultTimeout
	}

	middleware := append([]Middleware{}, r.defaultMiddleware...)
	config.Middleware = append(middleware, config.Middleware...)

	return NewClient(providerType, config)
}

func (r *Registry) apiKey(provider string, providerConfig ProviderConfig) (string, error) {
	if providerConfig.EnvVar == "" {
		return "", nil
	}
	apiKey := os.Getenv(providerConfig.EnvVar)
	if apiKey == "" && !providerConfig.KeyOptional {
		return "", fmt.Errorf("%s environment variable not set for provider %q", providerConfig.EnvVar, provider)
	}
	return apiKey, nil
}

func (r *Registry) baseURL(providerConfig ProviderConfig) string {
	if r.baseURLOverride != "" {
		return r.baseURLOverride
	}
	return providerConfig.BaseURL
}

// GetRegisteredProviders returns the sorted names of providers with at
// least one cached client or scorer.
func (r *Registry) GetRegisteredProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providerSet := make(map[string]bool)
	for key := range r.clients {
		provider, _, _ := strings.Cut(key, "/")
		providerSet[provider] = true
	}
	for key := range r.scorers {
		provider, _, _ := strings.Cut(key, "/")
		providerSet[provider] = true
	}

	providers := make([]string, 0, len(providerSet))
	for provider := range providerSet {
		providers = append(providers, provider)
	}
	slices.Sort(providers)
	return providers
}

// UpdateDefaultMiddleware updates the default middleware for new clients.
// Existing clients are not affected.
func (r *Registry) UpdateDefaultMiddleware(middleware ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultMiddleware = append(r.defaultMiddleware, middleware...)
}

// SetDefaultTimeout sets the default timeout for new clients.
func (r *Registry) SetDefaultTimeout(timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultTimeout = timeout
}
