// Package classifier implements the small model used to filter and guide
// generation: multinomial logistic regression over hashed unigram and
// bigram features.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/ahrav/go-synthgen/internal/domain"
)

var validate = validator.New()

// TrainOptions controls one training run.
type TrainOptions struct {
	Epochs       int     `validate:"min=1"`
	BatchSize    int     `validate:"min=1"`
	LearningRate float64 `validate:"gt=0"`
	Seed         uint64
}

// DefaultTrainOptions returns the options used when a run does not
// override them.
func DefaultTrainOptions() TrainOptions {
	return TrainOptions{Epochs: 3, BatchSize: 32, LearningRate: 0.1, Seed: 42}
}

// Classifier is a linear softmax classifier. It is safe for concurrent use.
type Classifier struct {
	mu      sync.RWMutex
	labels  []string
	index   map[string]int
	buckets int
	// weights[bucket*len(labels)+label]
	weights []float64
	bias    []float64
}

// New returns an untrained classifier over labels with DefaultBuckets
// feature buckets.
func New(labels []string) (*Classifier, error) {
	return NewWithBuckets(labels, DefaultBuckets)
}

// NewWithBuckets returns an untrained classifier with a custom feature space.
func NewWithBuckets(labels []string, buckets int) (*Classifier, error) {
	if len(labels) < 2 {
		return nil, fmt.Errorf("%w: classifier needs at least two labels, got %d", domain.ErrInvalidConfiguration, len(labels))
	}
	if buckets <= 0 {
		return nil, fmt.Errorf("%w: bucket count must be positive", domain.ErrInvalidConfiguration)
	}
	index := make(map[string]int, len(labels))
	for i, l := range labels {
		if _, dup := index[l]; dup {
			return nil, fmt.Errorf("%w: duplicate label %q", domain.ErrInvalidConfiguration, l)
		}
		index[l] = i
	}
	return &Classifier{
		labels:  slices.Clone(labels),
		index:   index,
		buckets: buckets,
		weights: make([]float64, buckets*len(labels)),
		bias:    make([]float64, len(labels)),
	}, nil
}

// Labels returns the label set in model order.
func (c *Classifier) Labels() []string { return slices.Clone(c.labels) }

// probabilities computes softmax(W·x + b). The caller holds c.mu.
func (c *Classifier) probabilities(feats []feature) []float64 {
	n := len(c.labels)
	logits := slices.Clone(c.bias)
	for _, f := range feats {
		row := c.weights[f.index*n : (f.index+1)*n]
		for k := range logits {
			logits[k] += row[k] * f.value
		}
	}

	maxLogit := math.Inf(-1)
	for _, l := range logits {
		maxLogit = max(maxLogit, l)
	}
	var sum float64
	for k, l := range logits {
		logits[k] = math.Exp(l - maxLogit)
		sum += logits[k]
	}
	for k := range logits {
		logits[k] /= sum
	}
	return logits
}

// Train fits the model with mini-batch SGD on the cross-entropy loss,
// continuing from the current weights. It returns the mean loss of the
// final epoch.
func (c *Classifier) Train(ctx context.Context, examples []domain.Example, opts TrainOptions) (float64, error) {
	if err := validate.Struct(opts); err != nil {
		return 0, fmt.Errorf("invalid train options: %w", err)
	}
	if len(examples) == 0 {
		return 0, fmt.Errorf("training classifier: %w", domain.ErrEmptyDataset)
	}

	feats := make([][]feature, len(examples))
	targets := make([]int, len(examples))
	for i, ex := range examples {
		y, ok := c.index[ex.Label]
		if !ok {
			return 0, domain.NewTaskError(ex.Label, "train classifier", domain.ErrUnknownLabel)
		}
		targets[i] = y
		feats[i] = featurize(ex.TextA, ex.TextB, c.buckets)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.labels)
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed+1))
	order := rng.Perm(len(examples))

	var loss float64
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		loss = 0
		for start := 0; start < len(order); start += opts.BatchSize {
			batch := order[start:min(start+opts.BatchSize, len(order))]
			grads := make(map[int][]float64)
			biasGrad := make([]float64, n)

			for _, i := range batch {
				probs := c.probabilities(feats[i])
				loss -= math.Log(max(probs[targets[i]], 1e-12))
				for k := range probs {
					g := probs[k]
					if k == targets[i] {
						g--
					}
					biasGrad[k] += g
					for _, f := range feats[i] {
						row, ok := grads[f.index]
						if !ok {
							row = make([]float64, n)
							grads[f.index] = row
						}
						row[k] += g * f.value
					}
				}
			}

			step := opts.LearningRate / float64(len(batch))
			for k := range c.bias {
				c.bias[k] -= step * biasGrad[k]
			}
			for idx, row := range grads {
				w := c.weights[idx*n : (idx+1)*n]
				for k, g := range row {
					w[k] -= step * g
				}
			}
		}
	}
	return loss / float64(len(examples)), nil
}

// Predict returns the probability of every label for the text pair.
// textB is empty for single-sentence tasks.
func (c *Classifier) Predict(textA, textB string) map[string]float64 {
	feats := featurize(textA, textB, c.buckets)

	c.mu.RLock()
	probs := c.probabilities(feats)
	c.mu.RUnlock()

	out := make(map[string]float64, len(probs))
	for k, p := range probs {
		out[c.labels[k]] = p
	}
	return out
}

// PredictLabel returns the most probable label and its probability.
func (c *Classifier) PredictLabel(textA, textB string) (string, float64) {
	feats := featurize(textA, textB, c.buckets)

	c.mu.RLock()
	probs := c.probabilities(feats)
	c.mu.RUnlock()

	best := 0
	for k, p := range probs {
		if p > probs[best] {
			best = k
		}
	}
	return c.labels[best], probs[best]
}

// Evaluate returns the accuracy on examples.
func (c *Classifier) Evaluate(examples []domain.Example) (float64, error) {
	if len(examples) == 0 {
		return 0, fmt.Errorf("evaluating classifier: %w", domain.ErrEmptyDataset)
	}
	correct := 0
	for _, ex := range examples {
		if label, _ := c.PredictLabel(ex.TextA, ex.TextB); label == ex.Label {
			correct++
		}
	}
	return float64(correct) / float64(len(examples)), nil
}

// checkpoint is the on-disk form of a classifier. Weights are stored
// sparsely per label since most buckets stay at zero.
type checkpoint struct {
	Labels  []string    `json:"labels"`
	Buckets int         `json:"buckets"`
	Bias    []float64   `json:"bias"`
	Weights []sparseRow `json:"weights"`
}

type sparseRow struct {
	Indices []int     `json:"indices"`
	Values  []float64 `json:"values"`
}

// Save writes the classifier to path as JSON, creating parent directories.
func (c *Classifier) Save(path string) error {
	c.mu.RLock()
	n := len(c.labels)
	ckpt := checkpoint{
		Labels:  slices.Clone(c.labels),
		Buckets: c.buckets,
		Bias:    slices.Clone(c.bias),
		Weights: make([]sparseRow, n),
	}
	for idx := 0; idx < c.buckets; idx++ {
		for k := 0; k < n; k++ {
			if v := c.weights[idx*n+k]; v != 0 {
				ckpt.Weights[k].Indices = append(ckpt.Weights[k].Indices, idx)
				ckpt.Weights[k].Values = append(ckpt.Weights[k].Values, v)
			}
		}
	}
	c.mu.RUnlock()

	data, err := json.Marshal(ckpt)
	if err != nil {
		return fmt.Errorf("encoding classifier checkpoint: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing classifier checkpoint: %w", err)
	}
	return nil
}

// Load reads a classifier written by Save.
func Load(path string) (*Classifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading classifier checkpoint: %w", err)
	}
	var ckpt checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("decoding classifier checkpoint %s: %w", path, err)
	}

	c, err := NewWithBuckets(ckpt.Labels, ckpt.Buckets)
	if err != nil {
		return nil, fmt.Errorf("classifier checkpoint %s: %w", path, err)
	}
	n := len(c.labels)
	if len(ckpt.Bias) != n || len(ckpt.Weights) != n {
		return nil, fmt.Errorf("classifier checkpoint %s: %w", path, errMalformedCheckpoint)
	}
	copy(c.bias, ckpt.Bias)
	for k, row := range ckpt.Weights {
		if len(row.Indices) != len(row.Values) {
			return nil, fmt.Errorf("classifier checkpoint %s: %w", path, errMalformedCheckpoint)
		}
		for i, idx := range row.Indices {
			if idx < 0 || idx >= c.buckets {
				return nil, fmt.Errorf("classifier checkpoint %s: %w", path, errMalformedCheckpoint)
			}
			c.weights[idx*n+k] = row.Values[i]
		}
	}
	return c, nil
}

var errMalformedCheckpoint = errors.New("malformed checkpoint")
