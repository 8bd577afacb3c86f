package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/ahrav/go-synthgen/infrastructure/middleware"
	"github.com/ahrav/go-synthgen/internal/application"
)

const metricsShutdownTimeout = 5 * time.Second

func newGenerateCmd() *cobra.Command {
	cfg := application.DefaultRunConfig()

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Run a generation task",
		Long: `Runs the stage named by the task file. Stage x1 and x2 write
<task>-dataset.jsonl (or a dataset snapshot for question answering); stage
zs writes <task>-zero-shot.json. Stage x2 writes into a subdirectory of
--output_dir named after the model, sampling settings and task file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGenerate(cmd, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.OutputDir, "output_dir", cfg.OutputDir, "directory for the dataset, logs and checkpoints")
	f.StringVar(&cfg.TaskFile, "task_file", cfg.TaskFile, "JSON or YAML task specification")
	f.StringVar(&cfg.InputFile, "input_file", cfg.InputFile, "conditions: JSONL with key C, or a dataset snapshot directory for QA")
	f.StringVar(&cfg.DataDir, "data_dir", cfg.DataDir, "directory holding <task>/<split>.jsonl datasets")
	f.StringVar(&cfg.ModelName, "model_name", cfg.ModelName, "model as provider/model")
	f.StringVar(&cfg.BaseURL, "base_url", cfg.BaseURL, "override the provider endpoint")

	f.IntVar(&cfg.BatchSize, "batch_size", cfg.BatchSize, "prompts decoded together")
	f.IntVar(&cfg.NumEntriesPerInput, "num_entries_per_input", cfg.NumEntriesPerInput, "outputs per label and input (required unless zs)")
	f.IntVar(&cfg.MaxLength, "max_length", cfg.MaxLength, "maximum generated tokens")
	f.IntVar(&cfg.MinLength, "min_length", cfg.MinLength, "tokens generated before EOS is allowed")
	f.Float64Var(&cfg.TopP, "top_p", cfg.TopP, "nucleus sampling threshold")
	f.IntVar(&cfg.TopK, "top_k", cfg.TopK, "keep only the k most likely tokens (0 disables)")
	f.Float64Var(&cfg.Temperature, "temperature", cfg.Temperature, "sampling temperature")
	f.IntVar(&cfg.NumLogprobs, "num_logprobs", cfg.NumLogprobs, "candidate tokens requested per step")
	f.Float64Var(&cfg.DecayConstant, "decay_constant", cfg.DecayConstant, "self-debiasing decay constant (0 disables)")
	f.Float64Var(&cfg.Epsilon, "epsilon", cfg.Epsilon, "lower bound of the self-debiasing weight")

	f.IntVar(&cfg.LogEvery, "log_every", cfg.LogEvery, "accepted entries between small-model rounds and checkpoints")
	f.StringVar(&cfg.SmallModelCkpt, "small_model_ckpt", cfg.SmallModelCkpt, "trained small-model checkpoint")
	f.IntVar(&cfg.NumEpochs, "num_epochs", cfg.NumEpochs, "small-model training epochs per round")
	f.IntVar(&cfg.TrainBatchSize, "train_batch_size", cfg.TrainBatchSize, "small-model training batch size")
	f.Float64Var(&cfg.LearningRate, "learning_rate", cfg.LearningRate, "small-model learning rate")
	f.Float64Var(&cfg.FilterThreshold, "filter_threshold", cfg.FilterThreshold, "drop entries the small model supports less than this (0 disables)")
	f.IntVar(&cfg.NumDemonstrations, "num_demonstrations", cfg.NumDemonstrations, "confident entries per label placed in <D>")
	f.Float64Var(&cfg.DedupSimilarity, "dedup_similarity", cfg.DedupSimilarity, "drop outputs at least this similar to an accepted one (0 disables)")

	f.Int64Var(&cfg.MaxCalls, "max_calls", cfg.MaxCalls, "model call budget for the run (0 is unlimited)")
	f.Int64Var(&cfg.MaxTokensBudget, "max_tokens_budget", cfg.MaxTokensBudget, "token budget for the run (0 is unlimited)")
	f.Float64Var(&cfg.RequestsPerSecond, "requests_per_second", cfg.RequestsPerSecond, "provider request rate limit")
	f.StringVar(&cfg.MetricsAddr, "metrics_addr", cfg.MetricsAddr, "serve Prometheus metrics on this address, e.g. :9090")
	f.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "sampling seed")
	f.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "log at debug level")

	_ = cmd.MarkFlagRequired("output_dir")
	_ = cmd.MarkFlagRequired("task_file")
	return cmd
}

func runGenerate(cmd *cobra.Command, cfg application.RunConfig) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metrics := middleware.NewPrometheusMetrics()
	if cfg.MetricsAddr != "" {
		stop, err := serveMetrics(cfg.MetricsAddr, metrics.Handler())
		if err != nil {
			return err
		}
		defer stop()
	}

	res, err := application.Run(ctx, cfg, application.Deps{
		Metrics: metrics,
		Console: zapcore.AddSync(cmd.OutOrStdout()),
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s finished\n", res.RunID)
	switch {
	case res.ZeroShot != nil:
		fmt.Fprintf(out, "- zero-shot accuracy: %.4f over %d examples\n", res.ZeroShot.Accuracy, len(res.ZeroShot.Predictions))
	case res.QAZeroShot != nil:
		fmt.Fprintf(out, "- exact match: %.2f, f1: %.2f\n", res.QAZeroShot.ExactMatch, res.QAZeroShot.F1)
	default:
		fmt.Fprintf(out, "- entries: %d\n- dataset: %s\n", res.Entries, res.DatasetPath)
	}
	fmt.Fprintf(out, "- model calls: %d, estimated tokens: %d\n", res.Usage.Calls, res.Usage.Tokens)
	return nil
}

// serveMetrics exposes handler on addr until the returned function is called.
func serveMetrics(addr string, handler http.Handler) (func(), error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("metrics server: %w", err)
		}
	case <-time.After(50 * time.Millisecond):
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
