package application

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ahrav/go-synthgen/infrastructure/classifier"
	"github.com/ahrav/go-synthgen/infrastructure/datagen"
	"github.com/ahrav/go-synthgen/infrastructure/generation"
	"github.com/ahrav/go-synthgen/internal/domain"
	"github.com/ahrav/go-synthgen/internal/ports"
)

// RunConfig holds every setting of a generation run. It mirrors the
// command line flags and is written to <task>-args.json.
type RunConfig struct {
	// OutputDir receives the dataset, logs, and checkpoints. Stage-two runs
	// write into a subdirectory named by CreateOutputName.
	OutputDir string `json:"output_dir" validate:"required"`
	// TaskFile is the JSON or YAML task specification.
	TaskFile string `json:"task_file" validate:"required"`
	// InputFile holds the conditions: a JSONL file with key C for
	// classification, or a dataset snapshot directory for QA.
	InputFile string `json:"input_file,omitempty"`
	// DataDir holds the task datasets as <data_dir>/<task>/<split>.jsonl.
	DataDir string `json:"data_dir"`

	// ModelName is the "provider/model" to generate with.
	ModelName string `json:"model_name" validate:"required,modelformat"`
	// BaseURL overrides the provider endpoint, e.g. for a local server.
	BaseURL string `json:"base_url,omitempty" validate:"omitempty,url"`

	BatchSize          int     `json:"batch_size" validate:"min=1"`
	NumEntriesPerInput int     `json:"num_entries_per_input" validate:"min=0"`
	MaxLength          int     `json:"max_length" validate:"min=1"`
	MinLength          int     `json:"min_length" validate:"min=0,ltefield=MaxLength"`
	TopP               float64 `json:"top_p" validate:"min=0,max=1"`
	TopK               int     `json:"top_k" validate:"min=0"`
	Temperature        float64 `json:"temperature" validate:"gt=0"`
	NumLogprobs        int     `json:"num_logprobs" validate:"min=1,max=20"`
	DecayConstant      float64 `json:"decay_constant" validate:"min=0"`
	Epsilon            float64 `json:"epsilon" validate:"gt=0,max=1"`

	// LogEvery is the number of accepted entries between small-model
	// training rounds and QA checkpoints. 0 disables both.
	LogEvery          int     `json:"log_every" validate:"min=0"`
	SmallModelCkpt    string  `json:"small_model_ckpt,omitempty"`
	NumEpochs         int     `json:"num_epochs" validate:"min=1"`
	TrainBatchSize    int     `json:"train_batch_size" validate:"min=1"`
	LearningRate      float64 `json:"learning_rate" validate:"gt=0"`
	FilterThreshold   float64 `json:"filter_threshold" validate:"min=0,max=1"`
	NumDemonstrations int     `json:"num_demonstrations" validate:"min=0"`
	DedupSimilarity   float64 `json:"dedup_similarity" validate:"min=0,max=1"`

	// MaxCalls and MaxTokensBudget bound the run's model usage. 0 is unlimited.
	MaxCalls          int64   `json:"max_calls" validate:"min=0"`
	MaxTokensBudget   int64   `json:"max_tokens_budget" validate:"min=0"`
	RequestsPerSecond float64 `json:"requests_per_second" validate:"gt=0"`
	// MetricsAddr serves Prometheus metrics when set, e.g. ":9090".
	MetricsAddr string `json:"metrics_addr,omitempty"`

	Seed    uint64 `json:"seed"`
	Verbose bool   `json:"verbose"`
}

// DefaultRunConfig returns the configuration used when no flag overrides it.
func DefaultRunConfig() RunConfig {
	sampling := generation.DefaultSamplingOptions()
	train := classifier.DefaultTrainOptions()
	return RunConfig{
		DataDir:           "data",
		ModelName:         "openai/gpt-3.5-turbo-instruct",
		BatchSize:         4,
		MaxLength:         sampling.MaxLength,
		MinLength:         sampling.MinLength,
		TopP:              sampling.TopP,
		Temperature:       sampling.Temperature,
		NumLogprobs:       sampling.NumLogprobs,
		Epsilon:           sampling.Epsilon,
		LogEvery:          10000,
		NumEpochs:         train.Epochs,
		TrainBatchSize:    train.BatchSize,
		LearningRate:      train.LearningRate,
		RequestsPerSecond: 10,
		Seed:              42,
	}
}

var runValidator = newRunValidator()

func newRunValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("modelformat", validateModelFormat); err != nil {
		panic(fmt.Sprintf("failed to register modelformat validator: %v", err))
	}
	return v
}

// validateModelFormat checks the provider/model form. The model part may
// itself contain slashes.
func validateModelFormat(fl validator.FieldLevel) bool {
	provider, model, found := strings.Cut(fl.Field().String(), "/")
	return found && provider != "" && model != "" && !strings.ContainsAny(provider, " \t")
}

// Validate checks the configuration ranges.
func (c RunConfig) Validate() error {
	if err := runValidator.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidConfiguration, err)
	}
	return nil
}

// Provider returns the provider part of ModelName.
func (c RunConfig) Provider() string {
	provider, _, _ := strings.Cut(c.ModelName, "/")
	return provider
}

// SamplingOptions converts the decoding settings. stop adds the task's
// stop strings.
func (c RunConfig) SamplingOptions(stop []string) generation.SamplingOptions {
	return generation.SamplingOptions{
		MaxLength:     c.MaxLength,
		MinLength:     c.MinLength,
		TopK:          c.TopK,
		TopP:          c.TopP,
		Temperature:   c.Temperature,
		DoSample:      true,
		DecayConstant: c.DecayConstant,
		Epsilon:       c.Epsilon,
		NumLogprobs:   c.NumLogprobs,
		StopStrings:   stop,
		EOSToken:      generation.DefaultEOSToken,
	}
}

// GeneratorConfig converts the settings shared by the dataset generators.
func (c RunConfig) GeneratorConfig(outputDir string, stop []string, metrics ports.MetricsCollector) datagen.Config {
	return datagen.Config{
		Sampling:          c.SamplingOptions(stop),
		OutputDir:         outputDir,
		DedupSimilarity:   c.DedupSimilarity,
		FilterThreshold:   c.FilterThreshold,
		NumDemonstrations: c.NumDemonstrations,
		Train: classifier.TrainOptions{
			Epochs:       c.NumEpochs,
			BatchSize:    c.TrainBatchSize,
			LearningRate: c.LearningRate,
			Seed:         c.Seed,
		},
		ClassifierReady:      c.SmallModelCkpt != "",
		MaxAnswersPerContext: datagen.DefaultMaxAnswersPerContext,
		Metrics:              metrics,
	}
}

// CreateOutputName names a stage-two run after its model, sampling
// settings, and task file, e.g.
// "openai-gpt-3.5-turbo-instruct_topk0_topp0.9_sts-x2_self-debias-100".
func CreateOutputName(c RunConfig) string {
	stem := filepath.Base(c.TaskFile)
	stem = strings.TrimSuffix(stem, filepath.Ext(stem))

	name := []string{
		strings.ReplaceAll(c.ModelName, "/", "-"),
		"topk" + strconv.Itoa(c.TopK),
		"topp" + strconv.FormatFloat(c.TopP, 'g', -1, 64),
		stem,
	}
	if c.DecayConstant > 0 {
		name = append(name, "self-debias-"+strconv.FormatFloat(c.DecayConstant, 'g', -1, 64))
	}
	return strings.Join(name, "_")
}
