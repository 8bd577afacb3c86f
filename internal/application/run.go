// Package application orchestrates a generation run: it validates the run
// configuration, loads the task, assembles the model stack, and dispatches
// the task's stage to the dataset generators.
package application

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/ahrav/go-synthgen/infrastructure/datagen"
	"github.com/ahrav/go-synthgen/infrastructure/generation"
	"github.com/ahrav/go-synthgen/infrastructure/llm"
	"github.com/ahrav/go-synthgen/infrastructure/middleware"
	"github.com/ahrav/go-synthgen/infrastructure/storage"
	"github.com/ahrav/go-synthgen/infrastructure/tasks"
	"github.com/ahrav/go-synthgen/internal/domain"
	"github.com/ahrav/go-synthgen/internal/ports"
)

// Transport settings applied to every provider request.
const (
	serviceName           = "synthgen"
	requestTimeout        = 60 * time.Second
	maxRetries            = 3
	retryBaseDelay        = time.Second
	retryMaxDelay         = 30 * time.Second
	circuitBreakerFailure = 5
	circuitBreakerCool    = 30 * time.Second
)

// Deps are the collaborators of a run. Every field is optional.
type Deps struct {
	// Registry resolves the model. Nil builds one from the default
	// providers with NewRegistry.
	Registry *llm.Registry
	// Metrics receives transport, decoding, dataset, and budget metrics.
	Metrics ports.MetricsCollector
	// Console receives log records next to output.log. Nil logs to the
	// file only.
	Console zapcore.WriteSyncer
}

// Result describes what a run produced.
type Result struct {
	RunID     string
	OutputDir string
	// DatasetPath is the JSONL file or snapshot directory written by a
	// generation stage. Empty for zero-shot runs.
	DatasetPath string
	// Entries is the number of records written.
	Entries    int
	ZeroShot   *datagen.ZeroShotResult
	QAZeroShot *datagen.QAZeroShotResult
	Usage      domain.Usage
}

// runArgs is the content of <task>-args.json.
type runArgs struct {
	RunConfig
	RunID     string       `json:"run_id"`
	Stage     domain.Stage `json:"stage"`
	StartedAt time.Time    `json:"started_at"`
}

// Run executes one generation run described by cfg.
func Run(ctx context.Context, cfg RunConfig, deps Deps) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	task, err := LoadTaskSpec(cfg.TaskFile)
	if err != nil {
		return nil, err
	}
	if needsEntryCount(task) && cfg.NumEntriesPerInput <= 0 {
		return nil, fmt.Errorf("%w: num_entries_per_input is required for stage %s", domain.ErrInvalidConfiguration, task.Stage)
	}

	outputDir := cfg.OutputDir
	if task.Stage == domain.StageTwo {
		outputDir = filepath.Join(outputDir, CreateOutputName(cfg))
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	logger, closeLog, err := NewLogger(outputDir, cfg.Verbose, deps.Console)
	if err != nil {
		return nil, err
	}
	defer closeLog()

	runID := uuid.NewString()
	logger = logger.With(
		zap.String("run_id", runID),
		zap.String("task", task.TaskName),
		zap.String("stage", string(task.Stage)),
	)
	logger.Info("run started", zap.String("output_dir", outputDir), zap.String("model", cfg.ModelName))

	args := runArgs{RunConfig: cfg, RunID: runID, Stage: task.Stage, StartedAt: time.Now().UTC()}
	if err := storage.WriteArgs(filepath.Join(outputDir, task.TaskName+"-args.json"), args); err != nil {
		return nil, err
	}

	processor, err := tasks.ForTask(task.TaskName, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if !task.IsQA() && task.Stage == domain.StageTwo {
		if err := processor.AttachClassifier(task.LabelNames(), cfg.SmallModelCkpt); err != nil {
			return nil, err
		}
		if processor.Classifier == nil {
			logger.Info("small model disabled: task has a single label")
		}
	}

	model, budget, err := buildModel(cfg, deps, logger)
	if err != nil {
		return nil, err
	}

	res := &Result{RunID: runID, OutputDir: outputDir}
	gcfg := cfg.GeneratorConfig(outputDir, task.Stop, deps.Metrics)
	if task.IsQA() {
		err = runQA(ctx, cfg, task, processor, model, gcfg, logger, res)
	} else {
		err = runClassification(ctx, cfg, task, processor, model, gcfg, logger, res)
	}
	res.Usage = budget.Usage()
	if err != nil {
		logger.Error("run failed", zap.Error(err), zap.Int64("calls", res.Usage.Calls))
		return nil, err
	}

	logger.Info("run finished",
		zap.Int("entries", res.Entries),
		zap.String("dataset", res.DatasetPath),
		zap.Int64("calls", res.Usage.Calls),
		zap.Int64("tokens", res.Usage.Tokens),
	)
	return res, nil
}

// needsEntryCount reports whether the stage generates a fixed number of
// outputs per input. Zero-shot runs and answer extraction do not.
func needsEntryCount(task *domain.TaskSpec) bool {
	if task.Stage == domain.StageZeroShot {
		return false
	}
	return !(task.IsQA() && task.Stage == domain.StageOne)
}

// NewRegistry builds a provider registry with the run's transport stack.
// Middleware runs outermost first: tracing, metrics, circuit breaker,
// retry, rate limit, then the per-attempt timeout.
func NewRegistry(cfg RunConfig, metrics ports.MetricsCollector) (*llm.Registry, error) {
	provider := cfg.Provider()
	limit := rate.Limit(cfg.RequestsPerSecond)
	burst := max(1, int(math.Ceil(cfg.RequestsPerSecond)))

	clientMW := []llm.Middleware{llm.TracingMiddleware(serviceName)}
	scorerMW := []llm.ScorerMiddleware{llm.TracingScorerMiddleware(serviceName)}
	if metrics != nil {
		clientMW = append(clientMW, llm.MetricsMiddleware(metrics, provider))
		scorerMW = append(scorerMW, llm.MetricsScorerMiddleware(metrics, provider))
	}
	clientMW = append(clientMW,
		llm.CircuitBreakerMiddleware(circuitBreakerFailure, circuitBreakerCool),
		llm.RetryMiddleware(maxRetries, retryBaseDelay, retryMaxDelay),
		llm.RateLimitMiddleware(limit, burst),
		llm.TimeoutMiddleware(requestTimeout),
	)
	scorerMW = append(scorerMW,
		llm.CircuitBreakerScorerMiddleware(circuitBreakerFailure, circuitBreakerCool),
		llm.RetryScorerMiddleware(llm.DefaultRetryConfig()),
		llm.RateLimitScorerMiddleware(limit, burst),
		llm.TimeoutScorerMiddleware(requestTimeout),
	)

	registry, err := llm.NewRegistry(llm.RegistryConfig{
		Providers:         llm.DefaultProviders,
		DefaultProvider:   provider,
		DefaultTimeout:    requestTimeout,
		DefaultMiddleware: clientMW,
		ScorerMiddleware:  scorerMW,
		BaseURL:           cfg.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidConfiguration, err)
	}
	return registry, nil
}

// buildModel resolves the model and wraps it with the run budget, which
// also counts usage when no limit is set. Models
// that serve log-probabilities decode step-wise; others fall back to
// direct completion.
func buildModel(cfg RunConfig, deps Deps, logger *zap.Logger) (*generation.Wrapper, *middleware.BudgetManager, error) {
	registry := deps.Registry
	if registry == nil {
		var err error
		if registry, err = NewRegistry(cfg, deps.Metrics); err != nil {
			return nil, nil, err
		}
	}

	limits := middleware.Budget{MaxTokens: cfg.MaxTokensBudget, MaxCalls: cfg.MaxCalls}
	budget := middleware.NewBudgetManager(limits, middleware.NewOTelBudgetObserver(deps.Metrics))
	if err := budget.Validate(); err != nil {
		return nil, nil, err
	}
	if limits.Unlimited() {
		logger.Debug("no run budget set; counting usage only")
	}

	opts := []generation.Option{
		generation.WithLogger(logger),
		generation.WithSeed(cfg.Seed),
		generation.WithMetrics(deps.Metrics),
	}

	if registry.SupportsScoring(cfg.ModelName) {
		scorer, err := registry.GetScorer(cfg.ModelName)
		if err != nil {
			return nil, nil, err
		}
		scorer = budget.WrapScorer(scorer)
		logger.Info("decoding with next-token log-probabilities", zap.String("model", scorer.GetModel()))
		return generation.NewWrapper(scorer, opts...), budget, nil
	}

	client, err := registry.GetClient(cfg.ModelName)
	if err != nil {
		return nil, nil, err
	}
	client = budget.WrapClient(client)
	if cfg.DecayConstant > 0 {
		logger.Warn("model does not serve log-probabilities; self-debiasing is disabled",
			zap.String("model", client.GetModel()))
	}
	opts = append(opts, generation.WithMaxConcurrency(cfg.BatchSize))
	return generation.NewCompletionWrapper(client, opts...), budget, nil
}

func runClassification(
	ctx context.Context,
	cfg RunConfig,
	task *domain.TaskSpec,
	processor *tasks.Processor,
	model datagen.Model,
	gcfg datagen.Config,
	logger *zap.Logger,
	res *Result,
) error {
	gen := datagen.NewDataGenerator(task, model, gcfg, processor, logger)

	if task.Stage == domain.StageZeroShot {
		zs, err := gen.ZeroShotInference(ctx, processor.Validation, cfg.BatchSize)
		if err != nil {
			return err
		}
		res.ZeroShot = zs
		return nil
	}

	inputs, err := loadConditions(cfg, task, processor)
	if err != nil {
		return err
	}
	if inputs != nil {
		logger.Info("loaded conditions", zap.Int("inputs", len(inputs)))
	}

	entries, err := gen.GenerateDataset(ctx, inputs, cfg.NumEntriesPerInput, cfg.BatchSize, cfg.LogEvery)
	if err != nil {
		return err
	}

	path := filepath.Join(res.OutputDir, task.TaskName+"-dataset.jsonl")
	if err := storage.SaveJSONL(entries, path); err != nil {
		return err
	}
	res.DatasetPath = path
	res.Entries = len(entries)
	return nil
}

// loadConditions returns the stage-two conditions: the C field of
// --input_file records, else the first sentences of a pair task's
// training split. Nil means unconditioned generation.
func loadConditions(cfg RunConfig, task *domain.TaskSpec, processor *tasks.Processor) ([]string, error) {
	if cfg.InputFile != "" {
		records, err := storage.ReadJSONL[domain.Entry](cfg.InputFile)
		if err != nil {
			return nil, fmt.Errorf("loading conditions: %w", err)
		}
		inputs := make([]string, 0, len(records))
		for _, r := range records {
			if r.C != "" {
				inputs = append(inputs, r.C)
			}
		}
		if len(inputs) == 0 {
			return nil, fmt.Errorf("loading conditions from %s: %w", cfg.InputFile, domain.ErrEmptyDataset)
		}
		return inputs, nil
	}

	if task.Stage == domain.StageTwo && processor.IsPair() {
		return processor.TrainSentence1()
	}
	return nil, nil
}

func runQA(
	ctx context.Context,
	cfg RunConfig,
	task *domain.TaskSpec,
	processor *tasks.Processor,
	model datagen.Model,
	gcfg datagen.Config,
	logger *zap.Logger,
	res *Result,
) error {
	gen := datagen.NewQAGenerator(task, model, gcfg, processor, logger)

	var (
		entries []domain.QAEntry
		err     error
	)
	switch task.Stage {
	case domain.StageZeroShot:
		zs, err := gen.ZeroShotInference(ctx, cfg.BatchSize)
		if err != nil {
			return err
		}
		res.QAZeroShot = zs
		return nil
	case domain.StageTwo:
		if cfg.InputFile == "" {
			return fmt.Errorf("%w: qa question generation requires input_file", domain.ErrInvalidConfiguration)
		}
		inputs, err := storage.LoadFromDisk(ctx, cfg.InputFile)
		if err != nil {
			return fmt.Errorf("loading answers: %w", err)
		}
		logger.Info("loaded answers", zap.Int("inputs", len(inputs)))
		entries, err = gen.GenerateQuestion(ctx, inputs, cfg.NumEntriesPerInput, cfg.BatchSize, cfg.LogEvery)
		if err != nil {
			return err
		}
	default:
		if entries, err = gen.GenerateAnswerNER(ctx); err != nil {
			return err
		}
	}

	if err := storage.SaveToDisk(ctx, res.OutputDir, entries); err != nil {
		return err
	}
	res.DatasetPath = res.OutputDir
	res.Entries = len(entries)
	return nil
}
