package generation

import (
	"cmp"
	"math"
	"slices"
)

var negInf = math.Inf(-1)

// forbidToken masks token so it cannot be chosen.
func forbidToken(tokens []string, scores []float64, token string) {
	for i, tok := range tokens {
		if tok == token {
			scores[i] = negInf
		}
	}
}

// selfDebias rescales the regular distribution away from tokens that the
// debiasing prompts make more likely:
//
//	delta = max(p_bias - p_reg, 0)
//	w     = max(exp(-lambda*delta), epsilon)
//	p'    = normalize(p_reg * w)
//
// p_bias is the elementwise maximum over the debiasing distributions.
// The returned scores are log p'.
func selfDebias(regular []float64, biased [][]float64, lambda, epsilon float64) []float64 {
	if lambda <= 0 || len(biased) == 0 {
		return regular
	}

	pReg := softmax(regular)
	pBias := make([]float64, len(regular))
	for _, scores := range biased {
		for i, p := range softmax(scores) {
			pBias[i] = max(pBias[i], p)
		}
	}

	adjusted := make([]float64, len(pReg))
	var sum float64
	for i := range pReg {
		delta := max(pBias[i]-pReg[i], 0)
		w := max(math.Exp(-lambda*delta), epsilon)
		adjusted[i] = pReg[i] * w
		sum += adjusted[i]
	}
	if sum == 0 {
		return regular
	}

	out := make([]float64, len(adjusted))
	for i, p := range adjusted {
		out[i] = math.Log(p / sum)
	}
	return out
}

// applyTemperature divides scores by temperature in place.
func applyTemperature(scores []float64, temperature float64) {
	if temperature <= 0 || temperature == 1 {
		return
	}
	for i := range scores {
		scores[i] /= temperature
	}
}

// rankByScore returns indices ordered by descending score. Ties keep
// vocabulary order.
func rankByScore(scores []float64) []int {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(scores[b], scores[a])
	})
	return order
}

// applyTopK masks everything but the k highest scores.
func applyTopK(scores []float64, k int) {
	if k <= 0 || k >= len(scores) {
		return
	}
	for _, idx := range rankByScore(scores)[k:] {
		scores[idx] = negInf
	}
}

// applyTopP keeps the smallest prefix of the ranked distribution whose
// cumulative probability reaches p. At least one token survives.
func applyTopP(scores []float64, p float64) {
	if p <= 0 || p >= 1 {
		return
	}
	probs := softmax(scores)
	order := rankByScore(scores)

	var cumulative float64
	keep := 0
	for keep < len(order) {
		cumulative += probs[order[keep]]
		keep++
		if cumulative >= p {
			break
		}
	}
	for _, idx := range order[keep:] {
		scores[idx] = negInf
	}
}
