package tasks

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-synthgen/infrastructure/classifier"
	"github.com/ahrav/go-synthgen/internal/domain"
)

func writeSplit(t *testing.T, dir, task, split, content string) {
	t.Helper()
	path := filepath.Join(dir, task, split+".jsonl")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLayoutFor(t *testing.T) {
	tests := []struct {
		task       string
		kind       Kind
		s1, s2     string
		validation string
	}{
		{"imdb", KindClassification, "text", "", "test"},
		{"sst-2", KindClassification, "sentence", "", "validation"},
		{"squad", KindQA, "context", "question", "validation"},
		{"adversarial_qa", KindQA, "context", "question", "validation"},
		{"mnli", KindClassification, "premise", "hypothesis", "validation_matched"},
		{"qqp", KindClassification, "question1", "question2", "validation"},
		{"rte", KindClassification, "sentence1", "sentence2", "validation"},
		{"cola", KindClassification, "sentence", "", "validation"},
		{"custom-task", KindClassification, "sentence", "", "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.task, func(t *testing.T) {
			l := LayoutFor(tt.task)
			assert.Equal(t, tt.kind, l.Kind)
			assert.Equal(t, tt.s1, l.Sentence1Key)
			assert.Equal(t, tt.s2, l.Sentence2Key)
			assert.Equal(t, tt.validation, l.ValidationSplit)
		})
	}
}

func TestForTask_Classification(t *testing.T) {
	// Given: an RTE train split with integer labels and no validation file.
	dir := t.TempDir()
	writeSplit(t, dir, "rte", "train",
		`{"sentence1":"A dog runs.","sentence2":"An animal moves.","label":0}
{"sentence1":"A cat sleeps.","sentence2":"A cat runs.","label":1}
`)

	// When: the processor is loaded.
	p, err := ForTask("rte", dir)

	// Then: pairs and labels are read and the missing split is empty.
	require.NoError(t, err)
	assert.True(t, p.IsPair())
	assert.Equal(t, []domain.Example{
		{TextA: "A dog runs.", TextB: "An animal moves.", Label: "0"},
		{TextA: "A cat sleeps.", TextB: "A cat runs.", Label: "1"},
	}, p.Train)
	assert.Empty(t, p.Validation)

	s1, err := p.TrainSentence1()
	require.NoError(t, err)
	assert.Equal(t, []string{"A dog runs.", "A cat sleeps."}, s1)
}

func TestForTask_QA(t *testing.T) {
	dir := t.TempDir()
	writeSplit(t, dir, "squad", "validation",
		`{"id":"a1","context":"Paris is the capital of France.","question":"What is the capital of France?","answers":{"text":["Paris"],"answer_start":[0]}}
{"context":"It opened in 1889.","question":"When?","answer":"1889","answer_start":13}
`)

	p, err := ForTask("squad", dir)
	require.NoError(t, err)
	assert.Empty(t, p.QATrain)
	require.Len(t, p.QAValidation, 2)
	assert.Equal(t, domain.QAEntry{
		ID: "a1", Context: "Paris is the capital of France.", Question: "What is the capital of France?",
		Answer: "Paris", AnswerStart: 0,
	}, p.QAValidation[0])
	assert.Equal(t, "squad-validation-1", p.QAValidation[1].ID)
	assert.Equal(t, 13, p.QAValidation[1].AnswerStart)
}

func TestForTask_Errors(t *testing.T) {
	dir := t.TempDir()
	writeSplit(t, dir, "imdb", "train", "{broken\n")

	_, err := ForTask("imdb", dir)
	assert.Error(t, err)

	p, err := ForTask("imdb", t.TempDir())
	require.NoError(t, err)
	_, err = p.TrainSentence1()
	assert.ErrorIs(t, err, domain.ErrEmptyDataset)
}

func TestAttachClassifier(t *testing.T) {
	p, err := ForTask("imdb", "")
	require.NoError(t, err)

	require.NoError(t, p.AttachClassifier([]string{"0", "1"}, ""))
	require.NotNil(t, p.Classifier)

	ckpt := filepath.Join(t.TempDir(), "model.json")
	c, err := classifier.NewWithBuckets([]string{"0", "1"}, 16)
	require.NoError(t, err)
	require.NoError(t, c.Save(ckpt))

	require.NoError(t, p.AttachClassifier([]string{"1", "0"}, ckpt))
	assert.Equal(t, []string{"0", "1"}, p.Classifier.Labels())

	err = p.AttachClassifier([]string{"0", "1", "2"}, ckpt)
	assert.ErrorIs(t, err, domain.ErrUnknownLabel)

	// A single label has nothing to discriminate; a checkpoint still loads.
	require.NoError(t, p.AttachClassifier([]string{"1"}, ""))
	assert.Nil(t, p.Classifier)
	require.NoError(t, p.AttachClassifier([]string{"1"}, ckpt))
	assert.NotNil(t, p.Classifier)
}

func TestStringField(t *testing.T) {
	rec := map[string]any{"i": float64(3), "f": 0.25, "s": "x", "b": true}
	assert.Equal(t, "3", stringField(rec, "i"))
	assert.Equal(t, "0.25", stringField(rec, "f"))
	assert.Equal(t, "x", stringField(rec, "s"))
	assert.Equal(t, "true", stringField(rec, "b"))
	assert.Equal(t, "", stringField(rec, "missing"))
}
