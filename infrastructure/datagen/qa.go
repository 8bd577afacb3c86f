package datagen

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ahrav/go-synthgen/infrastructure/storage"
	"github.com/ahrav/go-synthgen/infrastructure/tasks"
	"github.com/ahrav/go-synthgen/internal/domain"
)

// QAGenerator generates extractive question answering data: answer
// candidates from contexts, then questions for those answers.
type QAGenerator struct {
	task      *domain.TaskSpec
	model     Model
	cfg       Config
	processor *tasks.Processor
	logger    *zap.Logger
}

// NewQAGenerator returns a question answering generator for task.
func NewQAGenerator(task *domain.TaskSpec, model Model, cfg Config, processor *tasks.Processor, logger *zap.Logger) *QAGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAnswersPerContext <= 0 {
		cfg.MaxAnswersPerContext = DefaultMaxAnswersPerContext
	}
	return &QAGenerator{
		task:      task,
		model:     model,
		cfg:       cfg,
		processor: processor,
		logger:    logger.With(zap.String("task", task.TaskName)),
	}
}

// GenerateAnswerNER extracts answer candidates from the distinct contexts
// of the training split. The entries have no questions yet.
func (g *QAGenerator) GenerateAnswerNER(ctx context.Context) ([]domain.QAEntry, error) {
	if g.processor == nil || len(g.processor.QATrain) == 0 {
		return nil, fmt.Errorf("answer extraction: %w", domain.ErrEmptyDataset)
	}

	seen := make(map[string]bool)
	var entries []domain.QAEntry
	contexts := 0
	for _, src := range g.processor.QATrain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if src.Context == "" || seen[src.Context] {
			continue
		}
		seen[src.Context] = true
		contexts++

		for _, span := range extractAnswers(src.Context, g.cfg.MaxAnswersPerContext) {
			entries = append(entries, domain.QAEntry{
				ID:          fmt.Sprintf("%s-a%d", g.task.TaskName, len(entries)),
				Context:     src.Context,
				Answer:      span.text,
				AnswerStart: span.start,
			})
		}
	}

	g.logger.Info("answer extraction finished",
		zap.Int("contexts", contexts),
		zap.Int("answers", len(entries)),
	)
	return entries, nil
}

// GenerateQuestion generates numEntriesPerInput questions for every
// context and answer in inputs. Every logEvery accepted entries the
// partial dataset is checkpointed to the output directory.
func (g *QAGenerator) GenerateQuestion(ctx context.Context, inputs []domain.QAEntry, numEntriesPerInput, batchSize, logEvery int) ([]domain.QAEntry, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("question generation: %w", domain.ErrEmptyDataset)
	}
	if numEntriesPerInput <= 0 || batchSize <= 0 {
		return nil, fmt.Errorf("%w: num_entries_per_input and batch_size must be positive", domain.ErrInvalidConfiguration)
	}
	spec, err := g.task.Label(domain.QALabelQuestion)
	if err != nil {
		return nil, err
	}

	dedup := newDeduper(0)
	started := time.Now()
	raw := 0
	var entries []domain.QAEntry

	for start := 0; start < len(inputs); start += batchSize {
		batch := inputs[start:min(start+batchSize, len(inputs))]
		prompts := make([]string, len(batch))
		for i, in := range batch {
			prompts[i] = domain.FillInstruction(spec.Instruction, map[string]string{
				domain.PlaceholderCondition: in.Context,
				domain.PlaceholderAnswer:    in.Answer,
			})
		}

		for range numEntriesPerInput {
			outputs, err := g.model.Generate(ctx, prompts, g.cfg.Sampling)
			if err != nil {
				return nil, domain.NewTaskError(domain.QALabelQuestion, "generate", err)
			}
			if len(outputs) != len(prompts) {
				return nil, fmt.Errorf("question generation: model returned %d outputs for %d prompts", len(outputs), len(prompts))
			}

			for i, out := range outputs {
				raw++
				in := batch[i]
				question := postprocess(out)

				outcome := outcomeEmpty
				if question != "" {
					outcome = dedup.check(in.Context, question)
				}
				if outcome == outcomeAccepted && g.cfg.FilterThreshold > 0 &&
					!supportsAnswer(in.Context, question, in.Answer, g.cfg.FilterThreshold) {
					outcome = outcomeFiltered
				}
				g.recordOutcome(outcome)
				if outcome != outcomeAccepted {
					continue
				}

				dedup.add(in.Context, question)
				entries = append(entries, domain.QAEntry{
					ID:          fmt.Sprintf("%s-q%d", g.task.TaskName, len(entries)),
					Context:     in.Context,
					Question:    question,
					Answer:      in.Answer,
					AnswerStart: in.AnswerStart,
				})

				if logEvery > 0 && len(entries)%logEvery == 0 {
					g.logger.Info("question generation progress",
						zap.Int("entries", len(entries)),
						zap.Int("raw_outputs", raw),
						zap.Duration("elapsed", time.Since(started)),
					)
					if g.cfg.OutputDir != "" {
						if err := storage.SaveToDisk(ctx, g.cfg.OutputDir, entries); err != nil {
							return nil, fmt.Errorf("checkpointing questions: %w", err)
						}
					}
				}
			}
		}
	}

	g.logger.Info("question generation finished",
		zap.Int("raw_outputs", raw),
		zap.Int("entries", len(entries)),
		zap.Duration("elapsed", time.Since(started)),
	)
	return entries, nil
}

// QAPrediction is the zero-shot answer to one validation question.
type QAPrediction struct {
	ID         string  `json:"id"`
	Question   string  `json:"question"`
	Gold       string  `json:"gold"`
	Predicted  string  `json:"predicted"`
	ExactMatch bool    `json:"exact_match"`
	F1         float64 `json:"f1"`
}

// QAZeroShotResult summarizes zero-shot question answering.
type QAZeroShotResult struct {
	Task        string         `json:"task"`
	ExactMatch  float64        `json:"exact_match"`
	F1          float64        `json:"f1"`
	Predictions []QAPrediction `json:"predictions"`
}

// ZeroShotInference answers the validation questions with the answer
// instruction using greedy decoding and reports SQuAD exact match and F1
// as percentages.
func (g *QAGenerator) ZeroShotInference(ctx context.Context, batchSize int) (*QAZeroShotResult, error) {
	if g.processor == nil || len(g.processor.QAValidation) == 0 {
		return nil, fmt.Errorf("qa zero-shot inference: %w", domain.ErrEmptyDataset)
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch_size must be positive", domain.ErrInvalidConfiguration)
	}
	spec, err := g.task.Label(domain.QALabelAnswer)
	if err != nil {
		return nil, err
	}

	opts := g.cfg.Sampling
	opts.DoSample = false
	opts.DecayConstant = 0

	examples := g.processor.QAValidation
	result := &QAZeroShotResult{Task: g.task.TaskName, Predictions: make([]QAPrediction, 0, len(examples))}
	var emSum, f1Sum float64

	for start := 0; start < len(examples); start += batchSize {
		batch := examples[start:min(start+batchSize, len(examples))]
		prompts := make([]string, len(batch))
		for i, ex := range batch {
			prompts[i] = domain.FillInstruction(spec.Instruction, map[string]string{
				domain.PlaceholderCondition: ex.Context,
				domain.PlaceholderQuestion:  ex.Question,
			})
		}

		outputs, err := g.model.Generate(ctx, prompts, opts)
		if err != nil {
			return nil, fmt.Errorf("qa zero-shot inference: %w", err)
		}
		if len(outputs) != len(prompts) {
			return nil, fmt.Errorf("qa zero-shot inference: model returned %d outputs for %d prompts", len(outputs), len(prompts))
		}

		for i, ex := range batch {
			pred := postprocess(outputs[i])
			p := QAPrediction{
				ID:         ex.ID,
				Question:   ex.Question,
				Gold:       ex.Answer,
				Predicted:  pred,
				ExactMatch: exactMatch(pred, ex.Answer),
				F1:         tokenF1(pred, ex.Answer),
			}
			if p.ExactMatch {
				emSum++
			}
			f1Sum += p.F1
			result.Predictions = append(result.Predictions, p)
		}
	}

	n := float64(len(examples))
	result.ExactMatch = 100 * emSum / n
	result.F1 = 100 * f1Sum / n
	g.logger.Info("qa zero-shot inference finished",
		zap.Float64("exact_match", result.ExactMatch),
		zap.Float64("f1", result.F1),
		zap.Int("examples", len(examples)),
	)

	if g.cfg.OutputDir != "" {
		path := filepath.Join(g.cfg.OutputDir, g.task.TaskName+"-zero-shot.json")
		if err := storage.WriteArgs(path, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (g *QAGenerator) recordOutcome(outcome string) {
	if g.cfg.Metrics == nil {
		return
	}
	g.cfg.Metrics.RecordCounter("synthgen_entries_total", 1, map[string]string{
		"task":    g.task.TaskName,
		"label":   domain.QALabelQuestion,
		"outcome": outcome,
	})
}
