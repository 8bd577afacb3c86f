package llm

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/go-synthgen/internal/ports"
)

// ScorerMiddleware wraps a TokenScorer to add cross-cutting functionality.
type ScorerMiddleware func(ports.TokenScorer) ports.TokenScorer

// ChainScorer applies middleware to scorer. The first middleware is the
// outermost.
func ChainScorer(scorer ports.TokenScorer, middleware ...ScorerMiddleware) ports.TokenScorer {
	for i := len(middleware) - 1; i >= 0; i-- {
		scorer = middleware[i](scorer)
	}
	return scorer
}

// DefaultScorerConcurrency bounds the fan-out of unbatched scoring requests.
const DefaultScorerConcurrency = 8

// ScorerConfig configures an OpenAI-compatible completions scorer.
type ScorerConfig struct {
	// APIKey authenticates requests. Self-hosted servers usually accept any value.
	APIKey string
	// Model is the completion model to score with.
	Model string
	// BaseURL overrides the API endpoint, e.g. a vLLM server.
	BaseURL string
	// Provider names the endpoint in errors and metrics. Defaults to "openai".
	Provider string
	// BatchPrompts sends all prompts of a call in one request. When false,
	// prompts are fanned out one request each.
	BatchPrompts bool
	// MaxConcurrency bounds the unbatched fan-out.
	MaxConcurrency int
	// HTTPClient replaces the default HTTP client.
	HTTPClient *http.Client
}

// OpenAIScorer implements ports.TokenScorer on the legacy completions
// endpoint, which returns per-token log-probabilities.
type OpenAIScorer struct {
	BaseProvider
	client          *openai.Client
	provider        string
	batch           bool
	concurrency     int
	errorClassifier *ErrorClassifier

	promptTokens     atomic.Int64
	completionTokens atomic.Int64
}

var _ ports.TokenScorer = (*OpenAIScorer)(nil)

// NewOpenAIScorer creates a scorer for the configured completions endpoint.
func NewOpenAIScorer(config ScorerConfig) (*OpenAIScorer, error) {
	if config.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if config.APIKey == "" && config.BaseURL == "" {
		return nil, ErrEmptyAPIKey
	}

	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = "EMPTY"
	}
	clientConfig := openai.DefaultConfig(apiKey)
	if config.BaseURL != "" {
		validatedURL, err := ValidateBaseURL(config.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid BaseURL: %w", err)
		}
		clientConfig.BaseURL = validatedURL
	}
	if config.HTTPClient != nil {
		clientConfig.HTTPClient = config.HTTPClient
	}

	provider := config.Provider
	if provider == "" {
		provider = "openai"
	}
	concurrency := config.MaxConcurrency
	if concurrency <= 0 {
		concurrency = DefaultScorerConcurrency
	}

	return &OpenAIScorer{
		BaseProvider:    BaseProvider{model: config.Model},
		client:          openai.NewClientWithConfig(clientConfig),
		provider:        provider,
		batch:           config.BatchPrompts,
		concurrency:     concurrency,
		errorClassifier: &ErrorClassifier{Provider: provider},
	}, nil
}

// Usage returns the prompt and completion tokens reported by the endpoint
// so far.
func (s *OpenAIScorer) Usage() (promptTokens, completionTokens int64) {
	return s.promptTokens.Load(), s.completionTokens.Load()
}

// NextTokenLogprobs asks for one token per prompt with the top-k
// alternatives and returns those alternatives.
func (s *OpenAIScorer) NextTokenLogprobs(
	ctx context.Context,
	prompts []string,
	k int,
) ([]ports.TokenDistribution, error) {
	if len(prompts) == 0 {
		return nil, nil
	}
	k = ClampInt(k, 1, MaxLogprobs)

	out := make([]ports.TokenDistribution, len(prompts))
	err := s.forEachBatch(ctx, prompts, func(ctx context.Context, offset int, batch []string) error {
		req := openai.CompletionRequest{
			Model:     s.GetModel(),
			Prompt:    batch,
			MaxTokens: 1,
			LogProbs:  k,
		}
		resp, err := s.create(ctx, req)
		if err != nil {
			return err
		}

		seen := make([]bool, len(batch))
		for _, choice := range resp.Choices {
			if choice.Index < 0 || choice.Index >= len(batch) {
				return fmt.Errorf("%w: choice index %d out of range", ports.ErrInvalidResponse, choice.Index)
			}
			seen[choice.Index] = true
			out[offset+choice.Index] = toDistribution(choice)
		}
		for i, ok := range seen {
			if !ok {
				return fmt.Errorf("%w: no choice for prompt %d", ports.ErrInvalidResponse, offset+i)
			}
		}
		return nil
	})
	if err != nil {
		return nil, ports.NewLLMError(s.GetModel(), "next_token_logprobs", err)
	}
	return out, nil
}

// ScoreContinuations echoes prefix+continuation back with per-token
// log-probabilities and sums the tokens that overlap the continuation.
func (s *OpenAIScorer) ScoreContinuations(
	ctx context.Context,
	prefixes, continuations []string,
) ([]float64, error) {
	if len(prefixes) != len(continuations) {
		return nil, fmt.Errorf("prefixes and continuations differ in length: %d != %d", len(prefixes), len(continuations))
	}
	if len(prefixes) == 0 {
		return nil, nil
	}

	texts := make([]string, len(prefixes))
	for i := range prefixes {
		texts[i] = prefixes[i] + continuations[i]
	}

	out := make([]float64, len(prefixes))
	err := s.forEachBatch(ctx, texts, func(ctx context.Context, offset int, batch []string) error {
		req := openai.CompletionRequest{
			Model:     s.GetModel(),
			Prompt:    batch,
			MaxTokens: 1,
			LogProbs:  1,
			Echo:      true,
		}
		resp, err := s.create(ctx, req)
		if err != nil {
			return err
		}

		for _, choice := range resp.Choices {
			if choice.Index < 0 || choice.Index >= len(batch) {
				return fmt.Errorf("%w: choice index %d out of range", ports.ErrInvalidResponse, choice.Index)
			}
			i := offset + choice.Index
			score, err := sumContinuation(choice.LogProbs, prefixes[i], continuations[i])
			if err != nil {
				return err
			}
			out[i] = score
		}
		return nil
	})
	if err != nil {
		return nil, ports.NewLLMError(s.GetModel(), "score_continuations", err)
	}
	return out, nil
}

// forEachBatch runs fn once over all prompts when batching, or once per
// prompt with bounded concurrency otherwise.
func (s *OpenAIScorer) forEachBatch(
	ctx context.Context,
	prompts []string,
	fn func(ctx context.Context, offset int, batch []string) error,
) error {
	if s.batch {
		return fn(ctx, 0, prompts)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range prompts {
		g.Go(func() error {
			return fn(gctx, i, prompts[i:i+1])
		})
	}
	return g.Wait()
}

func (s *OpenAIScorer) create(ctx context.Context, req openai.CompletionRequest) (openai.CompletionResponse, error) {
	resp, err := s.client.CreateCompletion(ctx, req)
	if err != nil {
		return openai.CompletionResponse{}, classifyOpenAIError(s.errorClassifier, err)
	}
	if len(resp.Choices) == 0 {
		return openai.CompletionResponse{}, ErrNoResponseChoice
	}
	if resp.Usage != nil {
		s.promptTokens.Add(int64(resp.Usage.PromptTokens))
		s.completionTokens.Add(int64(resp.Usage.CompletionTokens))
	}
	return resp, nil
}

// toDistribution converts the first generated position of a choice into a
// TokenDistribution. The finish reason describes the token the server
// sampled, so it only marks the distribution finished when no candidates
// came back; EOS among the candidates is left to the decoder.
func toDistribution(choice openai.CompletionChoice) ports.TokenDistribution {
	dist := ports.TokenDistribution{Logprobs: make(map[string]float64)}
	if len(choice.LogProbs.TopLogprobs) > 0 {
		for tok, lp := range choice.LogProbs.TopLogprobs[0] {
			dist.Logprobs[tok] = float64(lp)
		}
	}
	if len(dist.Logprobs) == 0 && len(choice.LogProbs.Tokens) > 0 && len(choice.LogProbs.TokenLogprobs) > 0 {
		dist.Logprobs[choice.LogProbs.Tokens[0]] = float64(choice.LogProbs.TokenLogprobs[0])
	}
	dist.Finished = len(dist.Logprobs) == 0 && choice.FinishReason == "stop"
	return dist
}

// sumContinuation adds the log-probabilities of echoed tokens that overlap
// the continuation. A token straddling the prefix boundary belongs to the
// continuation. Offsets count characters, not bytes.
func sumContinuation(lp openai.LogprobResult, prefix, continuation string) (float64, error) {
	if len(lp.TokenLogprobs) == 0 || len(lp.TextOffset) != len(lp.TokenLogprobs) {
		return 0, ErrMissingLogprobs
	}

	start := utf8.RuneCountInString(prefix)
	end := start + utf8.RuneCountInString(continuation)

	var total float64
	for i, offset := range lp.TextOffset {
		tokenEnd := offset + 1
		if i < len(lp.Tokens) {
			tokenEnd = offset + max(utf8.RuneCountInString(lp.Tokens[i]), 1)
		}
		if offset < end && tokenEnd > start {
			total += float64(lp.TokenLogprobs[i])
		}
	}
	return total, nil
}
