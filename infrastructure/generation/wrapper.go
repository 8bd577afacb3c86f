package generation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/go-synthgen/internal/ports"
)

const tracerName = "github.com/ahrav/go-synthgen/infrastructure/generation"

// DefaultMaxConcurrency bounds parallel completion requests in direct
// completion mode.
const DefaultMaxConcurrency = 4

// Finish reasons recorded per sequence.
const (
	finishEOS       = "eos"
	finishStop      = "stop"
	finishLength    = "max_length"
	finishProvider  = "provider"
	finishExhausted = "no_candidates"
)

// Wrapper generates text with a language model. A wrapper built with
// NewWrapper decodes step by step over a ports.TokenScorer and supports
// self-debiasing and continuation scoring. A wrapper built with
// NewCompletionWrapper delegates whole sequences to a ports.LLMClient.
type Wrapper struct {
	scorer ports.TokenScorer
	client ports.LLMClient

	sampler        *sampler
	seed           uint64
	maxConcurrency int
	logger         *zap.Logger
	metrics        ports.MetricsCollector
	tracer         trace.Tracer
}

// Option configures a Wrapper.
type Option func(*Wrapper)

// WithLogger sets the logger. The default discards output.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Wrapper) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithSeed seeds the sampling source.
func WithSeed(seed uint64) Option {
	return func(w *Wrapper) { w.seed = seed }
}

// WithMaxConcurrency bounds parallel requests in direct completion mode.
func WithMaxConcurrency(n int) Option {
	return func(w *Wrapper) {
		if n > 0 {
			w.maxConcurrency = n
		}
	}
}

// WithMetrics records batch latency and finish reasons.
func WithMetrics(collector ports.MetricsCollector) Option {
	return func(w *Wrapper) { w.metrics = collector }
}

func newWrapper(opts []Option) *Wrapper {
	w := &Wrapper{
		maxConcurrency: DefaultMaxConcurrency,
		logger:         zap.NewNop(),
		tracer:         otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.sampler = newSampler(w.seed)
	return w
}

// NewWrapper returns a wrapper that decodes over scorer.
func NewWrapper(scorer ports.TokenScorer, opts ...Option) *Wrapper {
	w := newWrapper(opts)
	w.scorer = scorer
	return w
}

// NewCompletionWrapper returns a wrapper that generates whole sequences
// with client. It cannot self-debias or score continuations.
func NewCompletionWrapper(client ports.LLMClient, opts ...Option) *Wrapper {
	w := newWrapper(opts)
	w.client = client
	return w
}

// Model returns the identifier of the underlying model.
func (w *Wrapper) Model() string {
	if w.scorer != nil {
		return w.scorer.GetModel()
	}
	return w.client.GetModel()
}

// SupportsScoring reports whether the wrapper can see token probabilities.
func (w *Wrapper) SupportsScoring() bool { return w.scorer != nil }

// Generate produces one continuation per prompt. The returned texts exclude
// the prompts and are index-aligned with them.
func (w *Wrapper) Generate(ctx context.Context, prompts []string, opts SamplingOptions) ([]string, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if w.scorer == nil {
		return w.complete(ctx, prompts, opts)
	}
	opts.DecayConstant = 0
	return w.decode(ctx, prompts, nil, opts)
}

// GenerateSelfDebiasing produces one continuation per prompt while steering
// away from what debiasingPrompts[i] makes likely for prompts[i]. The
// debiasing prompts receive the same generated suffix as their regular
// prompt. With DecayConstant 0 it behaves like Generate.
func (w *Wrapper) GenerateSelfDebiasing(ctx context.Context, prompts []string, debiasingPrompts [][]string, opts SamplingOptions) ([]string, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if debiasingPrompts != nil && len(debiasingPrompts) != len(prompts) {
		return nil, fmt.Errorf("got %d debiasing prompt lists for %d prompts", len(debiasingPrompts), len(prompts))
	}
	if !opts.Debiasing() {
		return w.Generate(ctx, prompts, opts)
	}
	if w.scorer == nil {
		return nil, ErrDebiasingUnsupported
	}
	return w.decode(ctx, prompts, debiasingPrompts, opts)
}

// ScoreContinuations returns the log-probability of each continuation given
// its prefix.
func (w *Wrapper) ScoreContinuations(ctx context.Context, prefixes, continuations []string) ([]float64, error) {
	if w.scorer == nil {
		return nil, ErrScoringUnsupported
	}
	if len(prefixes) != len(continuations) {
		return nil, fmt.Errorf("got %d prefixes for %d continuations", len(prefixes), len(continuations))
	}
	if len(prefixes) == 0 {
		return nil, nil
	}
	scores, err := w.scorer.ScoreContinuations(ctx, prefixes, continuations)
	if err != nil {
		return nil, fmt.Errorf("scoring continuations: %w", err)
	}
	return scores, nil
}

// sequence is the decoding state of one regular prompt.
type sequence struct {
	prompt    string
	debiasing []string
	text      strings.Builder
	tokens    int
	done      bool
	reason    string
}

func (w *Wrapper) decode(ctx context.Context, prompts []string, debiasingPrompts [][]string, opts SamplingOptions) ([]string, error) {
	mode := "scored"
	if opts.Debiasing() {
		mode = "debiased"
	}
	ctx, span := w.startSpan(ctx, mode, len(prompts), opts)
	defer span.End()
	start := time.Now()

	seqs := make([]*sequence, len(prompts))
	for i, p := range prompts {
		seqs[i] = &sequence{prompt: p}
		if opts.Debiasing() && debiasingPrompts != nil {
			seqs[i].debiasing = debiasingPrompts[i]
		}
	}

	steps := 0
	for step := 0; step < opts.MaxLength; step++ {
		active := make([]*sequence, 0, len(seqs))
		batch := make([]string, 0, len(seqs))
		for _, s := range seqs {
			if s.done {
				continue
			}
			active = append(active, s)
			generated := s.text.String()
			batch = append(batch, s.prompt+generated)
			for _, d := range s.debiasing {
				batch = append(batch, d+generated)
			}
		}
		if len(active) == 0 {
			break
		}
		steps++

		dists, err := w.scorer.NextTokenLogprobs(ctx, batch, opts.NumLogprobs)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("generation step %d: %w", step, err)
		}
		if len(dists) != len(batch) {
			err := fmt.Errorf("generation step %d: scorer returned %d distributions for %d prompts", step, len(dists), len(batch))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		offset := 0
		for _, s := range active {
			regular := dists[offset]
			biased := dists[offset+1 : offset+1+len(s.debiasing)]
			offset += 1 + len(s.debiasing)
			w.advance(s, regular, biased, opts)
		}
	}

	out := make([]string, len(seqs))
	for i, s := range seqs {
		if !s.done {
			s.finish(finishLength)
		}
		out[i] = s.text.String()
	}

	w.record(mode, seqs, time.Since(start))
	span.SetAttributes(attribute.Int("generation.steps", steps))
	w.logger.Debug("decoded batch",
		zap.String("mode", mode),
		zap.Int("prompts", len(prompts)),
		zap.Int("steps", steps),
		zap.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

// advance picks the next token of s and appends it, or finishes s.
func (w *Wrapper) advance(s *sequence, regular ports.TokenDistribution, biased []ports.TokenDistribution, opts SamplingOptions) {
	if len(regular.Logprobs) == 0 {
		s.finish(finishProvider)
		return
	}

	dists := make([]map[string]float64, 0, 1+len(biased))
	dists = append(dists, regular.Logprobs)
	for _, b := range biased {
		dists = append(dists, b.Logprobs)
	}
	tokens := vocabulary(dists...)
	scores := align(regular.Logprobs, tokens)

	if s.tokens < opts.MinLength {
		forbidToken(tokens, scores, opts.EOSToken)
	}

	if opts.Debiasing() && len(biased) > 0 {
		biasedScores := make([][]float64, 0, len(biased))
		for _, b := range biased {
			if len(b.Logprobs) == 0 {
				continue
			}
			biasedScores = append(biasedScores, align(b.Logprobs, tokens))
		}
		scores = selfDebias(scores, biasedScores, opts.DecayConstant, opts.Epsilon)
	}

	applyTemperature(scores, opts.Temperature)
	applyTopK(scores, opts.TopK)
	applyTopP(scores, opts.TopP)

	if !hasCandidate(scores) {
		s.finish(finishExhausted)
		return
	}

	var idx int
	if opts.DoSample {
		idx = w.sampler.sample(scores)
	} else {
		idx = argmax(scores)
	}
	if idx < 0 {
		s.finish(finishExhausted)
		return
	}

	token := tokens[idx]
	if token == opts.EOSToken {
		s.finish(finishEOS)
		return
	}

	s.text.WriteString(token)
	s.tokens++
	if cut, ok := cutAtStop(s.text.String(), opts.StopStrings); ok {
		s.text.Reset()
		s.text.WriteString(cut)
		s.finish(finishStop)
	}
}

func (s *sequence) finish(reason string) {
	s.done = true
	s.reason = reason
}

// cutAtStop truncates text before the earliest stop string it contains.
func cutAtStop(text string, stops []string) (string, bool) {
	cut := -1
	for _, stop := range stops {
		if stop == "" {
			continue
		}
		if i := strings.Index(text, stop); i >= 0 && (cut < 0 || i < cut) {
			cut = i
		}
	}
	if cut < 0 {
		return text, false
	}
	return text[:cut], true
}

// complete generates whole sequences with the completion client.
func (w *Wrapper) complete(ctx context.Context, prompts []string, opts SamplingOptions) ([]string, error) {
	ctx, span := w.startSpan(ctx, "completion", len(prompts), opts)
	defer span.End()
	start := time.Now()

	out := make([]string, len(prompts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.maxConcurrency)
	for i, prompt := range prompts {
		// Identical prompts must not share a seed or they would yield
		// identical samples.
		seed := w.sampler.intn(1 << 31)
		options := opts.completionOptions(&seed)
		g.Go(func() error {
			text, err := w.client.Complete(gctx, prompt, options)
			if err != nil {
				return fmt.Errorf("completing prompt %d: %w", i, err)
			}
			text, _ = cutAtStop(text, opts.StopStrings)
			out[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if w.metrics != nil {
		w.metrics.RecordLatency("generation_batch", time.Since(start), map[string]string{"mode": "completion"})
		w.metrics.RecordCounter("generation_sequences_total", float64(len(prompts)), map[string]string{
			"mode":   "completion",
			"reason": finishProvider,
		})
	}
	w.logger.Debug("completed batch",
		zap.Int("prompts", len(prompts)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

func (w *Wrapper) startSpan(ctx context.Context, mode string, batch int, opts SamplingOptions) (context.Context, trace.Span) {
	return w.tracer.Start(ctx, "generation.batch",
		trace.WithAttributes(
			attribute.String("generation.mode", mode),
			attribute.String("generation.model", w.Model()),
			attribute.Int("generation.batch_size", batch),
			attribute.Int("generation.max_length", opts.MaxLength),
			attribute.Float64("generation.decay_constant", opts.DecayConstant),
		),
	)
}

func (w *Wrapper) record(mode string, seqs []*sequence, elapsed time.Duration) {
	if w.metrics == nil {
		return
	}
	w.metrics.RecordLatency("generation_batch", elapsed, map[string]string{"mode": mode})

	reasons := make(map[string]int)
	tokens := 0
	for _, s := range seqs {
		reasons[s.reason]++
		tokens += s.tokens
	}
	for reason, n := range reasons {
		w.metrics.RecordCounter("generation_sequences_total", float64(n), map[string]string{
			"mode":   mode,
			"reason": reason,
		})
	}
	w.metrics.RecordCounter("generation_tokens_total", float64(tokens), map[string]string{"mode": mode})
}
