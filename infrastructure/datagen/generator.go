package datagen

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ahrav/go-synthgen/infrastructure/storage"
	"github.com/ahrav/go-synthgen/infrastructure/tasks"
	"github.com/ahrav/go-synthgen/internal/domain"
)

// SmallModelDir is the directory under the output dir holding the small
// model checkpoint.
const SmallModelDir = "small-model"

// DataGenerator generates classification datasets from a task's label
// instructions.
type DataGenerator struct {
	task      *domain.TaskSpec
	model     Model
	cfg       Config
	processor *tasks.Processor
	logger    *zap.Logger

	// demonstrations holds the rendered <D> block per label.
	demonstrations map[string]string
	// classifierReady is true once the small model has been trained.
	classifierReady bool
}

// NewDataGenerator returns a generator for task. processor may be nil when
// no small model or dataset split is used.
func NewDataGenerator(task *domain.TaskSpec, model Model, cfg Config, processor *tasks.Processor, logger *zap.Logger) *DataGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DataGenerator{
		task:            task,
		model:           model,
		cfg:             cfg,
		processor:       processor,
		logger:          logger.With(zap.String("task", task.TaskName)),
		demonstrations:  make(map[string]string),
		classifierReady: cfg.ClassifierReady,
	}
}

func (g *DataGenerator) isStageTwo() bool { return g.task.Stage == domain.StageTwo }

// feedbackEnabled reports whether the small model is trained on generated
// entries during generation.
func (g *DataGenerator) feedbackEnabled() bool {
	return g.isStageTwo() && g.processor != nil && g.processor.Classifier != nil
}

// GenerateDataset generates numEntriesPerInput outputs per label, or per
// label and input when inputs is non-nil, and returns the entries that
// survive post-processing, deduplication and filtering. Every logEvery
// accepted entries the small model is retrained when feedback is enabled.
func (g *DataGenerator) GenerateDataset(ctx context.Context, inputs []string, numEntriesPerInput, batchSize, logEvery int) ([]domain.Entry, error) {
	if numEntriesPerInput <= 0 {
		return nil, fmt.Errorf("%w: num_entries_per_input must be positive", domain.ErrInvalidConfiguration)
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch_size must be positive", domain.ErrInvalidConfiguration)
	}

	run := &datasetRun{
		gen:      g,
		dedup:    newDeduper(g.cfg.DedupSimilarity),
		logEvery: logEvery,
		started:  time.Now(),
	}

	labels := g.task.LabelNames()
	if inputs == nil {
		for _, label := range labels {
			for remaining := numEntriesPerInput; remaining > 0; remaining -= batchSize {
				n := min(batchSize, remaining)
				if err := run.generateBatch(ctx, label, make([]string, n)); err != nil {
					return nil, err
				}
			}
		}
	} else {
		for start := 0; start < len(inputs); start += batchSize {
			batch := inputs[start:min(start+batchSize, len(inputs))]
			for _, label := range labels {
				for range numEntriesPerInput {
					if err := run.generateBatch(ctx, label, batch); err != nil {
						return nil, err
					}
				}
			}
			g.logger.Info("processed inputs",
				zap.Int("done", min(start+batchSize, len(inputs))),
				zap.Int("total", len(inputs)),
				zap.Int("entries", len(run.entries)),
			)
		}
	}

	g.logger.Info("dataset generation finished",
		zap.Int("raw_outputs", run.raw),
		zap.Int("entries", len(run.entries)),
		zap.Duration("elapsed", time.Since(run.started)),
	)
	return run.entries, nil
}

// datasetRun is the mutable state of one GenerateDataset call.
type datasetRun struct {
	gen      *DataGenerator
	dedup    *deduper
	logEvery int
	started  time.Time

	entries []domain.Entry
	raw     int
}

// generateBatch generates one output per condition for label. Empty
// conditions mean unconditioned generation.
func (r *datasetRun) generateBatch(ctx context.Context, label string, conditions []string) error {
	g := r.gen
	spec, err := g.task.Label(label)
	if err != nil {
		return err
	}

	prompts := make([]string, len(conditions))
	var debiasing [][]string
	if g.cfg.Sampling.Debiasing() && len(spec.CounterLabels) > 0 {
		debiasing = make([][]string, len(conditions))
	}
	for i, cond := range conditions {
		prompts[i] = g.buildPrompt(label, spec.Instruction, cond)
		if debiasing == nil {
			continue
		}
		for _, counter := range spec.CounterLabels {
			counterSpec, err := g.task.Label(counter)
			if err != nil {
				return err
			}
			debiasing[i] = append(debiasing[i], g.buildPrompt(counter, counterSpec.Instruction, cond))
		}
	}

	var outputs []string
	if debiasing != nil {
		outputs, err = g.model.GenerateSelfDebiasing(ctx, prompts, debiasing, g.cfg.Sampling)
	} else {
		outputs, err = g.model.Generate(ctx, prompts, g.cfg.Sampling)
	}
	if err != nil {
		return domain.NewTaskError(label, "generate", err)
	}
	if len(outputs) != len(prompts) {
		return domain.NewTaskError(label, "generate",
			fmt.Errorf("model returned %d outputs for %d prompts", len(outputs), len(prompts)))
	}

	for i, out := range outputs {
		r.raw++
		if err := r.accept(ctx, label, conditions[i], out); err != nil {
			return err
		}
	}
	return nil
}

func (g *DataGenerator) buildPrompt(label, instruction, condition string) string {
	return domain.FillInstruction(instruction, map[string]string{
		domain.PlaceholderCondition:      condition,
		domain.PlaceholderDemonstrations: g.demonstrations[label],
	})
}

// accept post-processes one output and records it when it survives.
func (r *datasetRun) accept(ctx context.Context, label, condition, output string) error {
	g := r.gen
	text := postprocess(output)

	var outcome string
	switch {
	case text == "":
		outcome = outcomeEmpty
	case condition != "" && text == strings.TrimSpace(condition):
		outcome = outcomeSameAsInput
	default:
		outcome = r.dedup.check(label, text)
	}

	var entry domain.Entry
	if outcome == outcomeAccepted {
		entry = g.newEntry(label, condition, text)
		if g.rejectedBySmallModel(entry) {
			outcome = outcomeFiltered
		}
	}
	g.recordOutcome(label, outcome)
	if outcome != outcomeAccepted {
		return nil
	}

	r.dedup.add(label, text)
	r.entries = append(r.entries, entry)

	if r.logEvery > 0 && len(r.entries)%r.logEvery == 0 {
		g.logger.Info("generation progress",
			zap.Int("entries", len(r.entries)),
			zap.Int("raw_outputs", r.raw),
			zap.Duration("elapsed", time.Since(r.started)),
		)
		if g.feedbackEnabled() {
			return g.feedback(ctx, r.entries)
		}
	}
	return nil
}

// newEntry places the generated text according to the stage.
func (g *DataGenerator) newEntry(label, condition, text string) domain.Entry {
	if g.task.Stage == domain.StageOne {
		return domain.Entry{C: text, Y: label}
	}
	return domain.Entry{C: condition, X: text, Y: label}
}

// example converts an entry into the small model's input.
func (g *DataGenerator) example(e domain.Entry) domain.Example {
	if g.processor != nil && g.processor.IsPair() {
		return domain.Example{TextA: e.C, TextB: e.X, Label: e.Y}
	}
	return domain.Example{TextA: e.Generated(), Label: e.Y}
}

func (g *DataGenerator) rejectedBySmallModel(e domain.Entry) bool {
	if g.cfg.FilterThreshold <= 0 || !g.classifierReady || g.processor == nil || g.processor.Classifier == nil {
		return false
	}
	ex := g.example(e)
	return g.processor.Classifier.Predict(ex.TextA, ex.TextB)[e.Y] < g.cfg.FilterThreshold
}

// feedback trains the small model on the entries so far, evaluates and
// checkpoints it, and refreshes the demonstrations.
func (g *DataGenerator) feedback(ctx context.Context, entries []domain.Entry) error {
	c := g.processor.Classifier
	examples := make([]domain.Example, len(entries))
	for i, e := range entries {
		examples[i] = g.example(e)
	}

	loss, err := c.Train(ctx, examples, g.cfg.Train)
	if err != nil {
		return fmt.Errorf("training small model: %w", err)
	}
	g.classifierReady = true

	fields := []zap.Field{
		zap.Int("train_size", len(examples)),
		zap.Float64("loss", loss),
	}
	if len(g.processor.Validation) > 0 {
		acc, err := c.Evaluate(g.processor.Validation)
		if err != nil {
			return fmt.Errorf("evaluating small model: %w", err)
		}
		fields = append(fields, zap.Float64("accuracy", acc))
		if g.cfg.Metrics != nil {
			g.cfg.Metrics.RecordGauge("synthgen_small_model_accuracy", acc, map[string]string{"task": g.task.TaskName})
		}
	}
	g.logger.Info("small model trained", fields...)

	if g.cfg.OutputDir != "" {
		path := filepath.Join(g.cfg.OutputDir, SmallModelDir, "model.json")
		if err := c.Save(path); err != nil {
			return err
		}
	}

	g.refreshDemonstrations(entries)
	return nil
}

// refreshDemonstrations picks the entries the small model is most
// confident about for each label.
func (g *DataGenerator) refreshDemonstrations(entries []domain.Entry) {
	if g.cfg.NumDemonstrations <= 0 {
		return
	}
	type scored struct {
		text string
		prob float64
	}
	byLabel := make(map[string][]scored)
	for _, e := range entries {
		ex := g.example(e)
		p := g.processor.Classifier.Predict(ex.TextA, ex.TextB)[e.Y]
		byLabel[e.Y] = append(byLabel[e.Y], scored{text: e.Generated(), prob: p})
	}
	for label, items := range byLabel {
		slices.SortStableFunc(items, func(a, b scored) int { return cmp.Compare(b.prob, a.prob) })
		items = items[:min(len(items), g.cfg.NumDemonstrations)]
		lines := make([]string, len(items))
		for i, it := range items {
			lines[i] = it.text
		}
		g.demonstrations[label] = strings.Join(lines, "\n")
	}
}

func (g *DataGenerator) recordOutcome(label, outcome string) {
	if g.cfg.Metrics == nil {
		return
	}
	g.cfg.Metrics.RecordCounter("synthgen_entries_total", 1, map[string]string{
		"task":    g.task.TaskName,
		"label":   label,
		"outcome": outcome,
	})
}

// ZeroShotPrediction is the zero-shot decision for one example.
type ZeroShotPrediction struct {
	Index     int                `json:"index"`
	Label     string             `json:"label"`
	Predicted string             `json:"predicted"`
	Scores    map[string]float64 `json:"scores"`
}

// ZeroShotResult summarizes a zero-shot classification run.
type ZeroShotResult struct {
	Task        string               `json:"task"`
	Accuracy    float64              `json:"accuracy"`
	Predictions []ZeroShotPrediction `json:"predictions"`
}

// ZeroShotInference classifies examples by comparing, for every label, the
// log-probability of the example text inside that label's instruction.
func (g *DataGenerator) ZeroShotInference(ctx context.Context, examples []domain.Example, batchSize int) (*ZeroShotResult, error) {
	if len(examples) == 0 {
		return nil, fmt.Errorf("zero-shot inference: %w", domain.ErrEmptyDataset)
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch_size must be positive", domain.ErrInvalidConfiguration)
	}

	labels := g.task.LabelNames()
	result := &ZeroShotResult{Task: g.task.TaskName, Predictions: make([]ZeroShotPrediction, 0, len(examples))}
	correct := 0

	for start := 0; start < len(examples); start += batchSize {
		batch := examples[start:min(start+batchSize, len(examples))]
		prefixes := make([]string, 0, len(batch)*len(labels))
		continuations := make([]string, 0, len(batch)*len(labels))
		for _, ex := range batch {
			for _, label := range labels {
				prefix, cont, err := g.zeroShotPair(label, ex)
				if err != nil {
					return nil, err
				}
				prefixes = append(prefixes, prefix)
				continuations = append(continuations, cont)
			}
		}

		scores, err := g.model.ScoreContinuations(ctx, prefixes, continuations)
		if err != nil {
			return nil, fmt.Errorf("zero-shot inference: %w", err)
		}
		if len(scores) != len(prefixes) {
			return nil, errors.New("zero-shot inference: score count does not match inputs")
		}

		for i, ex := range batch {
			pred := ZeroShotPrediction{Index: start + i, Label: ex.Label, Scores: make(map[string]float64, len(labels))}
			best := ""
			for j, label := range labels {
				s := scores[i*len(labels)+j]
				pred.Scores[label] = s
				if best == "" || s > pred.Scores[best] {
					best = label
				}
			}
			pred.Predicted = best
			if best == ex.Label {
				correct++
			}
			result.Predictions = append(result.Predictions, pred)
		}
		g.logger.Debug("zero-shot batch scored", zap.Int("done", len(result.Predictions)), zap.Int("total", len(examples)))
	}

	result.Accuracy = float64(correct) / float64(len(examples))
	g.logger.Info("zero-shot inference finished", zap.Float64("accuracy", result.Accuracy), zap.Int("examples", len(examples)))

	if g.cfg.OutputDir != "" {
		path := filepath.Join(g.cfg.OutputDir, g.task.TaskName+"-zero-shot.json")
		if err := storage.WriteArgs(path, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// zeroShotPair splits label's instruction at <X>. For pair tasks the first
// text fills <C> and the second is scored.
func (g *DataGenerator) zeroShotPair(label string, ex domain.Example) (string, string, error) {
	spec, err := g.task.Label(label)
	if err != nil {
		return "", "", err
	}
	before, after, ok := domain.SplitAtPlaceholder(spec.Instruction, domain.PlaceholderText)
	if !ok {
		return "", "", domain.NewTaskError(label, "zero-shot", domain.ErrInvalidTask)
	}

	condition, text := "", ex.TextA
	if ex.TextB != "" {
		condition, text = ex.TextA, ex.TextB
	}
	values := map[string]string{domain.PlaceholderCondition: condition}
	return domain.FillInstruction(before, values), text + domain.FillInstruction(after, values), nil
}
