package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

// OllamaDefaultModel is used when no model is configured.
const OllamaDefaultModel = "llama3.2"

func init() {
	RegisterProviderFactory("ollama", newOllamaProvider)
}

// ollamaProvider implements the CoreLLM interface for a local Ollama server.
// Prompts are sent raw so instruction templates reach the model unchanged.
type ollamaProvider struct {
	BaseProvider
	client          *api.Client
	tokenCounter    *TokenCounter
	errorClassifier *ErrorClassifier
}

// newOllamaProvider creates an Ollama provider. BaseURL wins over OLLAMA_HOST.
func newOllamaProvider(config ClientConfig) (CoreLLM, error) {
	model := config.Model
	if model == "" {
		model = OllamaDefaultModel
	}

	var client *api.Client
	if config.BaseURL != "" {
		validatedURL, err := ValidateBaseURL(config.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid BaseURL: %w", err)
		}
		base, err := url.Parse(validatedURL)
		if err != nil {
			return nil, fmt.Errorf("invalid BaseURL: %w", err)
		}
		httpClient := http.DefaultClient
		if timeout := ValidateTimeout(config.Timeout); timeout > 0 {
			httpClient = &http.Client{Timeout: timeout}
		}
		client = api.NewClient(base, httpClient)
	} else {
		var err error
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
	}

	return &ollamaProvider{
		BaseProvider:    BaseProvider{model: model},
		client:          client,
		tokenCounter:    NewTokenCounter(),
		errorClassifier: &ErrorClassifier{Provider: "ollama"},
	}, nil
}

// DoRequest runs a non-streaming generation and returns the full response.
func (p *ollamaProvider) DoRequest(ctx context.Context, prompt string, opts map[string]any) (string, int, int, error) {
	options := ParseRequestOptions(opts, p.GetModel())

	stream := false
	req := &api.GenerateRequest{
		Model:   options.Model,
		Prompt:  prompt,
		System:  options.System,
		Raw:     options.System == "",
		Stream:  &stream,
		Options: p.buildOptions(options),
	}

	var (
		text                strings.Builder
		tokensIn, tokensOut int
	)
	err := p.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		text.WriteString(resp.Response)
		if resp.Done {
			tokensIn = resp.PromptEvalCount
			tokensOut = resp.EvalCount
		}
		return nil
	})
	if err != nil {
		return "", 0, 0, p.handleError(err)
	}

	content := text.String()
	if content == "" {
		return "", 0, 0, ErrEmptyResponse
	}

	return content,
		p.tokenCounter.GetTokenCount(tokensIn, prompt),
		p.tokenCounter.GetTokenCount(tokensOut, content),
		nil
}

// buildOptions maps standardized options onto Ollama's runtime options.
func (p *ollamaProvider) buildOptions(options RequestOptions) map[string]any {
	out := map[string]any{
		"num_predict": options.MaxTokens,
	}
	if options.Temperature != nil {
		out["temperature"] = *options.Temperature
	}
	if options.TopP != nil {
		out["top_p"] = *options.TopP
	}
	if options.TopK > 0 {
		out["top_k"] = options.TopK
	}
	if len(options.Stop) > 0 {
		out["stop"] = options.Stop
	}
	if options.Seed != nil {
		out["seed"] = *options.Seed
	}
	return out
}

func (p *ollamaProvider) handleError(err error) error {
	if isContextError(err) {
		return p.errorClassifier.ClassifyContextError(err)
	}

	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		message := statusErr.ErrorMessage
		if message == "" {
			message = statusErr.Status
		}
		return p.errorClassifier.ClassifyHTTPError(statusErr.StatusCode, message, err)
	}

	return NewProviderError("ollama", ErrorTypeNetwork, 0, "request failed", err)
}
