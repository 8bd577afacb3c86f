package datagen

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-synthgen/infrastructure/classifier"
	"github.com/ahrav/go-synthgen/infrastructure/generation"
	"github.com/ahrav/go-synthgen/infrastructure/llm"
	"github.com/ahrav/go-synthgen/infrastructure/storage"
	"github.com/ahrav/go-synthgen/infrastructure/tasks"
	"github.com/ahrav/go-synthgen/internal/domain"
)

// fakeModel answers every prompt through respond and records the calls.
type fakeModel struct {
	mu        sync.Mutex
	respond   func(prompt string, n int) string
	score     func(prefix, continuation string) float64
	err       error
	n         int
	prompts   []string
	debiasing [][]string
	sampling  []generation.SamplingOptions
}

func (f *fakeModel) Generate(ctx context.Context, prompts []string, opts generation.SamplingOptions) ([]string, error) {
	return f.GenerateSelfDebiasing(ctx, prompts, nil, opts)
}

func (f *fakeModel) GenerateSelfDebiasing(_ context.Context, prompts []string, debiasing [][]string, opts generation.SamplingOptions) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sampling = append(f.sampling, opts)
	out := make([]string, len(prompts))
	for i, p := range prompts {
		f.prompts = append(f.prompts, p)
		if debiasing != nil {
			f.debiasing = append(f.debiasing, debiasing[i])
		}
		out[i] = f.respond(p, f.n)
		f.n++
	}
	return out, nil
}

func (f *fakeModel) ScoreContinuations(_ context.Context, prefixes, continuations []string) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]float64, len(prefixes))
	for i := range prefixes {
		out[i] = f.score(prefixes[i], continuations[i])
	}
	return out, nil
}

// countingCollector tallies counters by metric and outcome, and keeps gauges.
type countingCollector struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
}

func newCountingCollector() *countingCollector {
	return &countingCollector{counters: map[string]float64{}, gauges: map[string]float64{}}
}

func (c *countingCollector) RecordLatency(string, time.Duration, map[string]string) {}
func (c *countingCollector) RecordHistogram(string, float64, map[string]string)     {}
func (c *countingCollector) RecordCounter(m string, v float64, l map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[m+":"+l["outcome"]] += v
}
func (c *countingCollector) RecordGauge(m string, v float64, _ map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[m] = v
}

func sentimentTask(stage domain.Stage) *domain.TaskSpec {
	return &domain.TaskSpec{
		TaskName: "imdb",
		Stage:    stage,
		Labels: map[string]domain.LabelSpec{
			"0": {Instruction: "Task: Write a negative review of <C>: \"", CounterLabels: []string{"1"}},
			"1": {Instruction: "Task: Write a positive review of <C>: \"", CounterLabels: []string{"0"}},
		},
	}
}

func TestPostprocess(t *testing.T) {
	tests := map[string]string{
		" A great film.\" Task: more": "A great film.",
		"  no quote  ":                "no quote",
		"\"":                          "",
		"":                            "",
	}
	for in, want := range tests {
		assert.Equal(t, want, postprocess(in), "input %q", in)
	}
}

func TestDeduper(t *testing.T) {
	d := newDeduper(0.8)
	assert.Equal(t, outcomeAccepted, d.check("a", "the movie was great"))
	d.add("a", "the movie was great")

	assert.Equal(t, outcomeDuplicate, d.check("a", "the movie was great"))
	assert.Equal(t, outcomeNearDuplicate, d.check("a", "the movie was great!"))
	assert.Equal(t, outcomeAccepted, d.check("a", "an entirely different text"))
	assert.Equal(t, outcomeAccepted, d.check("b", "the movie was great"), "groups are independent")

	exact := newDeduper(0)
	exact.add("a", "abc")
	assert.Equal(t, outcomeAccepted, exact.check("a", "abd"))
	assert.InDelta(t, 1.0, similarity("", ""), 1e-9)
}

func TestGenerateDataset_Unconditioned(t *testing.T) {
	// Given: a stage-one task and a model that numbers its outputs.
	model := &fakeModel{respond: func(p string, n int) string {
		return fmt.Sprintf(" review %d\" trailing", n)
	}}
	metrics := newCountingCollector()
	cfg := DefaultConfig()
	cfg.Metrics = metrics
	g := NewDataGenerator(sentimentTask(domain.StageOne), model, cfg, nil, nil)

	// When: five entries per label are generated in batches of two.
	entries, err := g.GenerateDataset(context.Background(), nil, 5, 2, 0)

	// Then: labels x entries outputs were requested and stored in C.
	require.NoError(t, err)
	require.Len(t, entries, 10)
	assert.Len(t, model.prompts, 10)
	assert.Len(t, model.sampling, 6, "three batches per label")
	assert.Equal(t, domain.Entry{C: "review 0", Y: "0"}, entries[0])
	assert.Equal(t, domain.Entry{C: "review 9", Y: "1"}, entries[9])
	assert.Equal(t, "Task: Write a negative review of : \"", model.prompts[0])
	assert.Empty(t, model.debiasing, "no debiasing prompts without a decay constant")
	assert.Equal(t, 10.0, metrics.counters["synthgen_entries_total:accepted"])
}

func TestGenerateDataset_ConditionedFiltering(t *testing.T) {
	// Given: outputs that are empty, echo the input, repeat, or are fresh.
	responses := []string{"", "Movie B", "fine", "fine", "  ", "good"}
	model := &fakeModel{respond: func(p string, n int) string { return responses[n%len(responses)] }}
	metrics := newCountingCollector()
	cfg := DefaultConfig()
	cfg.Metrics = metrics
	g := NewDataGenerator(sentimentTask(domain.StageTwo), model, cfg, nil, nil)

	// When: two inputs get three outputs per label.
	entries, err := g.GenerateDataset(context.Background(), []string{"Movie A", "Movie B"}, 3, 2, 0)

	// Then: 12 raw outputs were produced and the bad ones dropped.
	require.NoError(t, err)
	assert.Len(t, model.prompts, 12)
	assert.Contains(t, model.prompts[0], "negative review of Movie A")
	assert.Contains(t, model.prompts[1], "negative review of Movie B")

	for _, e := range entries {
		assert.NotEmpty(t, e.X)
		assert.NotEqual(t, e.C, e.X)
	}
	assert.Equal(t, 4.0, metrics.counters["synthgen_entries_total:empty"])
	assert.Equal(t, 2.0, metrics.counters["synthgen_entries_total:same_as_condition"])
	assert.Equal(t, 2.0, metrics.counters["synthgen_entries_total:duplicate"])
	assert.Len(t, entries, 4)
	assert.Equal(t, float64(len(entries)), metrics.counters["synthgen_entries_total:accepted"])
	assert.Equal(t, 12.0, metrics.counters["synthgen_entries_total:accepted"]+
		metrics.counters["synthgen_entries_total:empty"]+
		metrics.counters["synthgen_entries_total:same_as_condition"]+
		metrics.counters["synthgen_entries_total:duplicate"])
	assert.Equal(t, domain.Entry{C: "Movie A", X: "fine", Y: "0"}, entries[0])
}

func TestGenerateDataset_SelfDebiasingPrompts(t *testing.T) {
	model := &fakeModel{respond: func(p string, n int) string { return fmt.Sprintf("text %d", n) }}
	cfg := DefaultConfig()
	cfg.Sampling.DecayConstant = 100
	g := NewDataGenerator(sentimentTask(domain.StageTwo), model, cfg, nil, nil)

	_, err := g.GenerateDataset(context.Background(), []string{"Movie A"}, 1, 1, 0)

	require.NoError(t, err)
	require.Len(t, model.debiasing, 2)
	assert.Equal(t, []string{"Task: Write a positive review of Movie A: \""}, model.debiasing[0])
	assert.Equal(t, []string{"Task: Write a negative review of Movie A: \""}, model.debiasing[1])
}

func TestGenerateDataset_Errors(t *testing.T) {
	g := NewDataGenerator(sentimentTask(domain.StageOne), &fakeModel{err: errors.New("down")}, DefaultConfig(), nil, nil)

	_, err := g.GenerateDataset(context.Background(), nil, 1, 1, 0)
	var taskErr *domain.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, "0", taskErr.Label)

	_, err = g.GenerateDataset(context.Background(), nil, 0, 1, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
	_, err = g.GenerateDataset(context.Background(), nil, 1, 0, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestGenerateDataset_SmallModelFeedback(t *testing.T) {
	// Given: a pair task with a small model and a validation split.
	dir := t.TempDir()
	processor, err := tasks.ForTask("rte", "")
	require.NoError(t, err)
	require.NoError(t, processor.AttachClassifier([]string{"0", "1"}, ""))
	processor.Validation = []domain.Example{
		{TextA: "A dog runs.", TextB: "yes indeed true", Label: "0"},
		{TextA: "A dog runs.", TextB: "no never false", Label: "1"},
	}

	task := &domain.TaskSpec{
		TaskName: "rte",
		Stage:    domain.StageTwo,
		Labels: map[string]domain.LabelSpec{
			"0": {Instruction: "<D>\n<C> so \""},
			"1": {Instruction: "<D>\n<C> but \""},
		},
	}
	words := map[string][]string{" so": {"yes", "indeed", "true"}, " but": {"no", "never", "false"}}
	model := &fakeModel{respond: func(p string, n int) string {
		for marker, w := range words {
			if strings.Contains(p, marker+" \"") {
				return fmt.Sprintf("%s %s %s %d", w[n%3], w[(n+1)%3], w[(n+2)%3], n)
			}
		}
		return ""
	}}
	metrics := newCountingCollector()
	cfg := DefaultConfig()
	cfg.OutputDir = dir
	cfg.Metrics = metrics
	cfg.NumDemonstrations = 1
	cfg.FilterThreshold = 0.05
	cfg.Train = classifier.TrainOptions{Epochs: 10, BatchSize: 4, LearningRate: 1, Seed: 1}
	g := NewDataGenerator(task, model, cfg, processor, nil)

	// When: two entries per label and input are generated with a training
	// round every four entries.
	entries, err := g.GenerateDataset(context.Background(), []string{"A dog runs.", "A cat sleeps."}, 2, 1, 4)

	// Then: the small model was trained, evaluated, checkpointed, and fed demonstrations.
	require.NoError(t, err)
	assert.Len(t, entries, 8)
	assert.Contains(t, metrics.gauges, "synthgen_small_model_accuracy")
	assert.FileExists(t, filepath.Join(dir, SmallModelDir, "model.json"))
	assert.NotEmpty(t, g.demonstrations["0"])
	assert.NotEmpty(t, g.demonstrations["1"])
	assert.True(t, strings.HasPrefix(model.prompts[0], "\n"), "no demonstrations before training")
	assert.False(t, strings.HasPrefix(model.prompts[len(model.prompts)-1], "\n"), "later prompts carry demonstrations")

	label, _ := processor.Classifier.PredictLabel("A dog runs.", "indeed yes true")
	assert.Equal(t, "0", label)
}

func TestZeroShotInference(t *testing.T) {
	// Given: a model that scores the continuation matching the label's word higher.
	task := &domain.TaskSpec{
		TaskName: "sst-2",
		Stage:    domain.StageZeroShot,
		Labels: map[string]domain.LabelSpec{
			"0": {Instruction: "Review: <X> Sentiment: bad"},
			"1": {Instruction: "Review: <X> Sentiment: good"},
		},
	}
	model := &fakeModel{score: func(prefix, cont string) float64 {
		switch {
		case strings.Contains(cont, "awful") && strings.HasSuffix(cont, "bad"):
			return -1
		case strings.Contains(cont, "great") && strings.HasSuffix(cont, "good"):
			return -1
		default:
			return -5
		}
	}}
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.OutputDir = dir
	g := NewDataGenerator(task, model, cfg, nil, nil)

	examples := []domain.Example{
		{TextA: "an awful film", Label: "0"},
		{TextA: "a great film", Label: "1"},
		{TextA: "a great mess", Label: "0"},
	}

	// When: zero-shot inference runs in batches of two.
	res, err := g.ZeroShotInference(context.Background(), examples, 2)

	// Then: two of three are right and the report is written.
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, res.Accuracy, 1e-9)
	require.Len(t, res.Predictions, 3)
	assert.Equal(t, "0", res.Predictions[0].Predicted)
	assert.Equal(t, "1", res.Predictions[2].Predicted)
	assert.Equal(t, -1.0, res.Predictions[1].Scores["1"])
	assert.FileExists(t, filepath.Join(dir, "sst-2-zero-shot.json"))

	_, err = g.ZeroShotInference(context.Background(), nil, 2)
	assert.ErrorIs(t, err, domain.ErrEmptyDataset)
}

func TestZeroShotPair_PairTasks(t *testing.T) {
	task := &domain.TaskSpec{
		TaskName: "rte",
		Stage:    domain.StageZeroShot,
		Labels:   map[string]domain.LabelSpec{"0": {Instruction: "<C> Question: <X> Answer: yes"}},
	}
	g := NewDataGenerator(task, &fakeModel{}, DefaultConfig(), nil, nil)

	prefix, cont, err := g.zeroShotPair("0", domain.Example{TextA: "A dog runs.", TextB: "An animal moves."})
	require.NoError(t, err)
	assert.Equal(t, "A dog runs. Question: ", prefix)
	assert.Equal(t, "An animal moves. Answer: yes", cont)
}

func TestZeroShotInference_WithWrapper(t *testing.T) {
	task := &domain.TaskSpec{
		TaskName: "sst-2",
		Stage:    domain.StageZeroShot,
		Labels: map[string]domain.LabelSpec{
			"0": {Instruction: "<X> It was bad."},
			"1": {Instruction: "<X> It was good."},
		},
	}
	scorer := &llm.MockScorer{Model: "m", ScoreFunc: func(_, cont string) float64 {
		if strings.HasSuffix(cont, "good.") {
			return -0.5
		}
		return -2
	}}
	g := NewDataGenerator(task, generation.NewWrapper(scorer), DefaultConfig(), nil, nil)

	res, err := g.ZeroShotInference(context.Background(), []domain.Example{{TextA: "x", Label: "1"}}, 8)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Accuracy)

	completion := generation.NewCompletionWrapper(llm.NewMockClient(llm.NewMockCoreLLM()))
	g = NewDataGenerator(task, completion, DefaultConfig(), nil, nil)
	_, err = g.ZeroShotInference(context.Background(), []domain.Example{{TextA: "x", Label: "1"}}, 8)
	assert.ErrorIs(t, err, generation.ErrScoringUnsupported)
}

func qaTask(stage domain.Stage) *domain.TaskSpec {
	return &domain.TaskSpec{
		TaskName: "squad",
		Stage:    stage,
		Labels: map[string]domain.LabelSpec{
			domain.QALabelQuestion: {Instruction: "Context: <C>\nAnswer: <A>\nQuestion: \""},
			domain.QALabelAnswer:   {Instruction: "Context: <C>\nQuestion: <Q>\nAnswer: \""},
		},
	}
}

func TestExtractAnswers(t *testing.T) {
	ctx := `The Eiffel Tower opened on March 31, 1889 in Paris. It is 330 metres tall and was called "the iron lady" by Gustave Eiffel. In 1889 it drew 2 million visitors.`

	spans := extractAnswers(ctx, 0)
	var texts []string
	for _, s := range spans {
		texts = append(texts, s.text)
		assert.Equal(t, s.text, ctx[s.start:s.end], "offsets locate the answer")
	}

	assert.Contains(t, texts, "The Eiffel Tower")
	assert.Contains(t, texts, "March 31, 1889")
	assert.Contains(t, texts, "330 metres")
	assert.Contains(t, texts, "the iron lady")
	assert.Contains(t, texts, "Gustave Eiffel")
	assert.Contains(t, texts, "2 million")
	assert.Len(t, spans, 7)
	for _, s := range spans {
		if s.text == "1889" {
			assert.Equal(t, strings.LastIndex(ctx, "1889"), s.start, "the year inside the date is not a separate answer")
		}
	}

	assert.Len(t, extractAnswers(ctx, 2), 2)
}

func TestGenerateAnswerNER(t *testing.T) {
	processor, err := tasks.ForTask("squad", "")
	require.NoError(t, err)
	processor.QATrain = []domain.QAEntry{
		{Context: "Marie Curie won the Nobel Prize in 1903."},
		{Context: "Marie Curie won the Nobel Prize in 1903."},
		{Context: "nothing to see here"},
	}
	g := NewQAGenerator(qaTask(domain.StageOne), &fakeModel{}, DefaultConfig(), processor, nil)

	entries, err := g.GenerateAnswerNER(context.Background())
	require.NoError(t, err)

	var answers []string
	for _, e := range entries {
		answers = append(answers, e.Answer)
		assert.Empty(t, e.Question)
		assert.Equal(t, e.Answer, e.Context[e.AnswerStart:e.AnswerStart+len(e.Answer)])
	}
	assert.Equal(t, []string{"Marie Curie", "Nobel Prize", "1903"}, answers)
	assert.Equal(t, "squad-a0", entries[0].ID)

	empty := NewQAGenerator(qaTask(domain.StageOne), &fakeModel{}, DefaultConfig(), &tasks.Processor{}, nil)
	_, err = empty.GenerateAnswerNER(context.Background())
	assert.ErrorIs(t, err, domain.ErrEmptyDataset)
}

func TestSupportsAnswer(t *testing.T) {
	ctx := "The tower was built in 1889. It stands in Paris. Many tourists visit it."

	assert.True(t, supportsAnswer(ctx, "When was the tower built?", "1889", 0.1))
	assert.False(t, supportsAnswer(ctx, "Where does it stand?", "1889", 0.1))
	assert.False(t, supportsAnswer(ctx, "When was the tower built?", "1889", 0.99))
	assert.False(t, supportsAnswer(ctx, "???", "1889", 0.1))
}

func TestGenerateQuestion(t *testing.T) {
	// Given: answers in context and a model that sometimes repeats itself.
	dir := t.TempDir()
	inputs := []domain.QAEntry{
		{ID: "a0", Context: "The tower was built in 1889. It stands in Paris.", Answer: "1889", AnswerStart: 23},
		{ID: "a1", Context: "The tower was built in 1889. It stands in Paris.", Answer: "Paris", AnswerStart: 42},
	}
	questions := map[string][]string{
		"1889":  {" When was the tower built?\" extra", " When was the tower built?", " Where is it?"},
		"Paris": {" Where does it stand?", "", " What city does it stand in?"},
	}
	model := &fakeModel{respond: func(p string, n int) string {
		for answer, qs := range questions {
			if strings.Contains(p, "Answer: "+answer+"\n") {
				return qs[(n/2)%3]
			}
		}
		return ""
	}}
	cfg := DefaultConfig()
	cfg.OutputDir = dir
	cfg.FilterThreshold = 0.2
	g := NewQAGenerator(qaTask(domain.StageTwo), model, cfg, nil, nil)

	// When: three questions per input are generated with checkpoints every two entries.
	entries, err := g.GenerateQuestion(context.Background(), inputs, 3, 2, 2)

	// Then: empties, duplicates per context and unsupported questions are dropped.
	require.NoError(t, err)
	var got []string
	for _, e := range entries {
		got = append(got, e.Answer+"|"+e.Question)
	}
	assert.Equal(t, []string{
		"1889|When was the tower built?",
		"Paris|Where does it stand?",
		"Paris|What city does it stand in?",
	}, got)
	assert.Equal(t, 23, entries[0].AnswerStart)

	snapshot, err := storage.LoadFromDisk(context.Background(), dir)
	require.NoError(t, err)
	assert.Len(t, snapshot, 2, "checkpoint written after the second entry")

	_, err = g.GenerateQuestion(context.Background(), nil, 1, 1, 0)
	assert.ErrorIs(t, err, domain.ErrEmptyDataset)
}

func TestSquadMetrics(t *testing.T) {
	assert.Equal(t, "eiffel tower", normalizeAnswer("The Eiffel  Tower!"))
	assert.True(t, exactMatch("the Eiffel Tower", "Eiffel tower."))
	assert.False(t, exactMatch("Eiffel", "Eiffel Tower"))

	assert.InDelta(t, 1.0, tokenF1("Eiffel Tower", "the eiffel tower"), 1e-9)
	assert.InDelta(t, 2.0/3.0, tokenF1("Eiffel", "Eiffel Tower"), 1e-9)
	assert.Zero(t, tokenF1("Paris", "London"))
	assert.Zero(t, tokenF1("", "London"))
	assert.Equal(t, 1.0, tokenF1("the", "a"))
}

func TestQAZeroShotInference(t *testing.T) {
	processor := &tasks.Processor{Name: "squad", QAValidation: []domain.QAEntry{
		{ID: "v1", Context: "Paris is in France.", Question: "Where is Paris?", Answer: "France"},
		{ID: "v2", Context: "It opened in 1889.", Question: "When did it open?", Answer: "in 1889"},
	}}
	model := &fakeModel{respond: func(p string, n int) string {
		if strings.Contains(p, "Where is Paris?") {
			return " France\" and more"
		}
		return " 1889\""
	}}
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.OutputDir = dir
	g := NewQAGenerator(qaTask(domain.StageZeroShot), model, cfg, processor, nil)

	res, err := g.ZeroShotInference(context.Background(), 4)

	require.NoError(t, err)
	assert.InDelta(t, 50.0, res.ExactMatch, 1e-9)
	assert.InDelta(t, 100*(1+2.0/3.0)/2, res.F1, 1e-9)
	assert.Equal(t, "Context: Paris is in France.\nQuestion: Where is Paris?\nAnswer: \"", model.prompts[0])
	for _, opts := range model.sampling {
		assert.False(t, opts.DoSample, "zero-shot answering is greedy")
	}

	raw, err := os.ReadFile(filepath.Join(dir, "squad-zero-shot.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"exact_match": 50`)
}
