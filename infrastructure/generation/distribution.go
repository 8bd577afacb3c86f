package generation

import (
	"math"
	"slices"
)

// vocabulary returns the sorted union of the tokens of dists.
// Sorting makes sampling reproducible for a fixed seed.
func vocabulary(dists ...map[string]float64) []string {
	seen := make(map[string]struct{})
	tokens := make([]string, 0, len(dists)*8)
	for _, d := range dists {
		for tok := range d {
			if _, ok := seen[tok]; ok {
				continue
			}
			seen[tok] = struct{}{}
			tokens = append(tokens, tok)
		}
	}
	slices.Sort(tokens)
	return tokens
}

// align returns the scores of tokens under d. Providers return only the
// top candidates, so a token missing from d gets d's smallest log-probability.
func align(d map[string]float64, tokens []string) []float64 {
	floor := math.Inf(-1)
	for _, lp := range d {
		if floor == math.Inf(-1) || lp < floor {
			floor = lp
		}
	}

	scores := make([]float64, len(tokens))
	for i, tok := range tokens {
		if lp, ok := d[tok]; ok {
			scores[i] = lp
		} else {
			scores[i] = floor
		}
	}
	return scores
}

// softmax converts scores to probabilities. -Inf scores get probability 0.
// If every score is -Inf the result is all zeros.
func softmax(scores []float64) []float64 {
	maxScore := math.Inf(-1)
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
	}

	probs := make([]float64, len(scores))
	if math.IsInf(maxScore, -1) {
		return probs
	}

	var sum float64
	for i, s := range scores {
		p := math.Exp(s - maxScore)
		probs[i] = p
		sum += p
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// hasCandidate reports whether any score is finite.
func hasCandidate(scores []float64) bool {
	for _, s := range scores {
		if !math.IsInf(s, -1) {
			return true
		}
	}
	return false
}
