// Package datagen turns task instructions and a language model into
// labeled datasets: classification entries, question answering entries,
// and zero-shot evaluations.
package datagen

import (
	"context"

	"github.com/ahrav/go-synthgen/infrastructure/classifier"
	"github.com/ahrav/go-synthgen/infrastructure/generation"
	"github.com/ahrav/go-synthgen/internal/ports"
)

// Model is the language model capability the generators need.
// *generation.Wrapper implements it.
type Model interface {
	Generate(ctx context.Context, prompts []string, opts generation.SamplingOptions) ([]string, error)
	GenerateSelfDebiasing(ctx context.Context, prompts []string, debiasingPrompts [][]string, opts generation.SamplingOptions) ([]string, error)
	ScoreContinuations(ctx context.Context, prefixes, continuations []string) ([]float64, error)
}

var _ Model = (*generation.Wrapper)(nil)

// DefaultMaxAnswersPerContext caps extracted answer candidates per context.
const DefaultMaxAnswersPerContext = 5

// Config holds the generation settings shared by the generators.
type Config struct {
	// Sampling controls decoding. Its DecayConstant enables self-debiasing.
	Sampling generation.SamplingOptions
	// OutputDir receives checkpoints and zero-shot reports. Empty disables
	// writing them.
	OutputDir string

	// DedupSimilarity drops outputs whose normalized Levenshtein similarity
	// to an accepted output of the same label reaches it. 0 disables it.
	DedupSimilarity float64
	// FilterThreshold drops entries the small model does not support. For
	// classification it is the minimum probability of the entry's label;
	// for questions it is the minimum token overlap with the answer
	// sentence. 0 disables filtering.
	FilterThreshold float64
	// NumDemonstrations is how many confident entries per label fill <D>.
	NumDemonstrations int

	// Train controls small-model training rounds.
	Train classifier.TrainOptions
	// ClassifierReady marks the attached small model as already trained,
	// so filtering starts before the first training round.
	ClassifierReady bool

	// MaxAnswersPerContext caps answer candidates per QA context.
	MaxAnswersPerContext int

	// Metrics receives entry outcomes and small-model accuracy. Optional.
	Metrics ports.MetricsCollector
}

// DefaultConfig returns the settings used when a run does not override them.
func DefaultConfig() Config {
	return Config{
		Sampling:             generation.DefaultSamplingOptions(),
		Train:                classifier.DefaultTrainOptions(),
		MaxAnswersPerContext: DefaultMaxAnswersPerContext,
	}
}
