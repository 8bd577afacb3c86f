package generation

import (
	"math/rand/v2"
	"sync"
)

// sampler draws token indices from a seeded source. It is safe for
// concurrent use.
type sampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newSampler(seed uint64) *sampler {
	return &sampler{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// sample draws an index in proportion to softmax(scores). It returns -1
// when no candidate has non-zero probability.
func (s *sampler) sample(scores []float64) int {
	probs := softmax(scores)

	s.mu.Lock()
	r := s.rng.Float64()
	s.mu.Unlock()

	var cumulative float64
	last := -1
	for i, p := range probs {
		if p == 0 {
			continue
		}
		cumulative += p
		last = i
		if r < cumulative {
			return i
		}
	}
	// Rounding can leave cumulative slightly below 1.
	return last
}

// intn returns a value in [0, n) from the sampling source.
func (s *sampler) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n)
}

// argmax returns the index of the highest finite score, preferring the
// earliest on ties, or -1 when every score is -Inf.
func argmax(scores []float64) int {
	best := -1
	for i, s := range scores {
		if s == negInf {
			continue
		}
		if best < 0 || s > scores[best] {
			best = i
		}
	}
	return best
}
