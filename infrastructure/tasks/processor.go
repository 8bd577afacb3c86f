// Package tasks maps task names to dataset processors: which fields hold
// the input texts, which splits exist, and the optional small model
// trained on generated data.
package tasks

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ahrav/go-synthgen/infrastructure/classifier"
	"github.com/ahrav/go-synthgen/infrastructure/storage"
	"github.com/ahrav/go-synthgen/internal/domain"
)

// Kind distinguishes classification processors from question answering.
type Kind string

const (
	KindClassification Kind = "classification"
	KindQA             Kind = "qa"
)

// Layout describes where a task's fields and splits live.
type Layout struct {
	Kind            Kind
	Sentence1Key    string
	Sentence2Key    string
	LabelKey        string
	TrainSplit      string
	ValidationSplit string
}

var (
	imdbLayout = Layout{
		Kind: KindClassification, Sentence1Key: "text", LabelKey: "label",
		TrainSplit: "train", ValidationSplit: "test",
	}
	sst2Layout = Layout{
		Kind: KindClassification, Sentence1Key: "sentence", LabelKey: "label",
		TrainSplit: "train", ValidationSplit: "validation",
	}
	qaLayout = Layout{
		Kind: KindQA, Sentence1Key: "context", Sentence2Key: "question",
		TrainSplit: "train", ValidationSplit: "validation",
	}

	glueKeys = map[string][2]string{
		"cola": {"sentence", ""},
		"mnli": {"premise", "hypothesis"},
		"mrpc": {"sentence1", "sentence2"},
		"qnli": {"question", "sentence"},
		"qqp":  {"question1", "question2"},
		"rte":  {"sentence1", "sentence2"},
		"sst2": {"sentence", ""},
		"stsb": {"sentence1", "sentence2"},
		"wnli": {"sentence1", "sentence2"},
	}
)

// LayoutFor returns the layout of the named task. Unknown names are
// treated as single-sentence GLUE-style tasks.
func LayoutFor(name string) Layout {
	switch {
	case name == "imdb":
		return imdbLayout
	case name == "sst-2":
		return sst2Layout
	case domain.IsQATask(name):
		return qaLayout
	}

	keys, ok := glueKeys[name]
	if !ok {
		keys = glueKeys["sst2"]
	}
	layout := Layout{
		Kind:            KindClassification,
		Sentence1Key:    keys[0],
		Sentence2Key:    keys[1],
		LabelKey:        "label",
		TrainSplit:      "train",
		ValidationSplit: "validation",
	}
	if name == "mnli" {
		layout.ValidationSplit = "validation_matched"
	}
	return layout
}

// Processor holds a task's layout, its loaded splits, and the small model.
type Processor struct {
	Name string
	Layout

	// Train and Validation hold classification splits.
	Train      []domain.Example
	Validation []domain.Example
	// QATrain and QAValidation hold question answering splits.
	QATrain      []domain.QAEntry
	QAValidation []domain.QAEntry

	// Classifier is the small model; nil when the run does not use one.
	Classifier *classifier.Classifier
}

// ForTask loads the processor of the named task. Splits are read from
// <dataDir>/<name>/<split>.jsonl; a missing file yields an empty split.
func ForTask(name, dataDir string) (*Processor, error) {
	p := &Processor{Name: name, Layout: LayoutFor(name)}
	if dataDir == "" {
		return p, nil
	}

	var err error
	switch p.Kind {
	case KindQA:
		if p.QATrain, err = p.loadQA(dataDir, p.TrainSplit); err != nil {
			return nil, err
		}
		if p.QAValidation, err = p.loadQA(dataDir, p.ValidationSplit); err != nil {
			return nil, err
		}
	default:
		if p.Train, err = p.loadExamples(dataDir, p.TrainSplit); err != nil {
			return nil, err
		}
		if p.Validation, err = p.loadExamples(dataDir, p.ValidationSplit); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// IsPair reports whether the task classifies sentence pairs.
func (p *Processor) IsPair() bool { return p.Sentence2Key != "" }

// TrainSentence1 returns the first sentence of every training example.
func (p *Processor) TrainSentence1() ([]string, error) {
	if len(p.Train) == 0 {
		return nil, fmt.Errorf("%s %s split: %w", p.Name, p.TrainSplit, domain.ErrEmptyDataset)
	}
	out := make([]string, len(p.Train))
	for i, ex := range p.Train {
		out[i] = ex.TextA
	}
	return out, nil
}

// AttachClassifier creates or loads the small model over labels. An empty
// ckpt creates an untrained model, except for fewer than two labels where no
// model is attached. A checkpoint must cover the same labels.
func (p *Processor) AttachClassifier(labels []string, ckpt string) error {
	if ckpt == "" {
		if len(labels) < 2 {
			p.Classifier = nil
			return nil
		}
		c, err := classifier.New(labels)
		if err != nil {
			return fmt.Errorf("creating small model: %w", err)
		}
		p.Classifier = c
		return nil
	}

	c, err := classifier.Load(ckpt)
	if err != nil {
		return fmt.Errorf("loading small model: %w", err)
	}
	loaded := make(map[string]bool)
	for _, l := range c.Labels() {
		loaded[l] = true
	}
	for _, l := range labels {
		if !loaded[l] {
			return domain.NewTaskError(l, "load small model", domain.ErrUnknownLabel)
		}
	}
	p.Classifier = c
	return nil
}

func splitPath(dataDir, task, split string) string {
	return filepath.Join(dataDir, task, split+".jsonl")
}

func (p *Processor) readSplit(dataDir, split string) ([]map[string]any, error) {
	records, err := storage.ReadJSONL[map[string]any](splitPath(dataDir, p.Name, split))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s %s split: %w", p.Name, split, err)
	}
	return records, nil
}

func (p *Processor) loadExamples(dataDir, split string) ([]domain.Example, error) {
	records, err := p.readSplit(dataDir, split)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Example, 0, len(records))
	for _, rec := range records {
		ex := domain.Example{
			TextA: stringField(rec, p.Sentence1Key),
			Label: stringField(rec, p.LabelKey),
		}
		if p.IsPair() {
			ex.TextB = stringField(rec, p.Sentence2Key)
		}
		out = append(out, ex)
	}
	return out, nil
}

// loadQA accepts both flat records (answer, answer_start) and the nested
// answers {text: [...], answer_start: [...]} layout; the first answer wins.
func (p *Processor) loadQA(dataDir, split string) ([]domain.QAEntry, error) {
	records, err := p.readSplit(dataDir, split)
	if err != nil {
		return nil, err
	}
	out := make([]domain.QAEntry, 0, len(records))
	for i, rec := range records {
		e := domain.QAEntry{
			ID:          stringField(rec, "id"),
			Context:     stringField(rec, "context"),
			Question:    stringField(rec, "question"),
			Answer:      stringField(rec, "answer"),
			AnswerStart: -1,
		}
		if e.ID == "" {
			e.ID = fmt.Sprintf("%s-%s-%d", p.Name, split, i)
		}
		if v, ok := rec["answer_start"].(float64); ok {
			e.AnswerStart = int(v)
		}
		if answers, ok := rec["answers"].(map[string]any); ok {
			if texts, ok := answers["text"].([]any); ok && len(texts) > 0 {
				e.Answer = fmt.Sprint(texts[0])
			}
			if starts, ok := answers["answer_start"].([]any); ok && len(starts) > 0 {
				if v, ok := starts[0].(float64); ok {
					e.AnswerStart = int(v)
				}
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// stringField renders a JSON value as a label or text string. Integral
// numbers print without a decimal point.
func stringField(rec map[string]any, key string) string {
	switch v := rec[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == math.Trunc(v) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
