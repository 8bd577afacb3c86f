// Package generation drives token-by-token decoding over a language model
// that exposes next-token log-probabilities, including self-debiasing
// decoding, and falls back to whole-sequence completion for providers that
// do not.
package generation

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// DefaultEOSToken is the end-of-text token of GPT-style vocabularies.
const DefaultEOSToken = "<|endoftext|>"

var (
	// ErrDebiasingUnsupported is returned when self-debiasing is requested
	// from a wrapper that cannot see token probabilities.
	ErrDebiasingUnsupported = errors.New("self-debiasing requires a model that exposes token log-probabilities")

	// ErrScoringUnsupported is returned when continuation scoring is
	// requested from a wrapper that cannot see token probabilities.
	ErrScoringUnsupported = errors.New("continuation scoring requires a model that exposes token log-probabilities")
)

var validate = validator.New()

// SamplingOptions controls one decoding run.
type SamplingOptions struct {
	// MaxLength is the maximum number of new tokens per sequence.
	MaxLength int `validate:"min=1"`
	// MinLength is the number of tokens generated before EOS is allowed.
	MinLength int `validate:"min=0,ltefield=MaxLength"`
	// TopK keeps only the k most likely tokens. 0 disables it.
	TopK int `validate:"min=0"`
	// TopP keeps the smallest set of tokens whose cumulative probability
	// reaches TopP. 0 or 1 disables it.
	TopP float64 `validate:"min=0,max=1"`
	// Temperature divides the scores before sampling.
	Temperature float64 `validate:"gt=0"`
	// DoSample selects sampling; greedy decoding is used otherwise.
	DoSample bool
	// DecayConstant is the self-debiasing λ. 0 disables debiasing.
	DecayConstant float64 `validate:"min=0"`
	// Epsilon is the lower bound of the self-debiasing weight.
	Epsilon float64 `validate:"gt=0,max=1"`
	// NumLogprobs is how many candidate tokens are requested per step.
	NumLogprobs int `validate:"min=1,max=20"`
	// StopStrings end a sequence when they appear in the generated text.
	// The generated text is cut before the stop string.
	StopStrings []string
	// EOSToken is the token that ends a sequence.
	EOSToken string `validate:"required"`
}

// DefaultSamplingOptions returns the options used when a run does not
// override them.
func DefaultSamplingOptions() SamplingOptions {
	return SamplingOptions{
		MaxLength:   40,
		MinLength:   1,
		TopP:        0.9,
		Temperature: 1.0,
		DoSample:    true,
		Epsilon:     0.01,
		NumLogprobs: 5,
		EOSToken:    DefaultEOSToken,
	}
}

// Validate checks the option ranges.
func (o SamplingOptions) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid sampling options: %w", err)
	}
	return nil
}

// Debiasing reports whether self-debiasing is active.
func (o SamplingOptions) Debiasing() bool { return o.DecayConstant > 0 }

// completionOptions maps the sampling options onto the option map used by
// whole-sequence LLM clients.
func (o SamplingOptions) completionOptions(seed *int) map[string]any {
	opts := map[string]any{
		"max_tokens": o.MaxLength,
	}
	if o.DoSample {
		opts["temperature"] = o.Temperature
		if o.TopP > 0 && o.TopP < 1 {
			opts["top_p"] = o.TopP
		}
		if o.TopK > 0 {
			opts["top_k"] = o.TopK
		}
	} else {
		opts["temperature"] = 0.0
	}
	if len(o.StopStrings) > 0 {
		opts["stop"] = o.StopStrings
	}
	if seed != nil {
		opts["seed"] = *seed
	}
	return opts
}
