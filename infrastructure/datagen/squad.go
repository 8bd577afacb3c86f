package datagen

import (
	"strings"
	"unicode"

	"github.com/ahrav/go-synthgen/infrastructure/classifier"
)

var articles = map[string]bool{"a": true, "an": true, "the": true}

// normalizeAnswer folds case, drops punctuation and articles, and
// collapses whitespace, as the SQuAD evaluation does.
func normalizeAnswer(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return -1
		}
		return r
	}, classifier.Normalize(s))

	words := strings.Fields(s)
	kept := words[:0]
	for _, w := range words {
		if !articles[w] {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

// exactMatch reports whether prediction equals gold after normalization.
func exactMatch(prediction, gold string) bool {
	return normalizeAnswer(prediction) == normalizeAnswer(gold)
}

// tokenF1 is the harmonic mean of token precision and recall between the
// normalized prediction and gold answer.
func tokenF1(prediction, gold string) float64 {
	pred := strings.Fields(normalizeAnswer(prediction))
	ref := strings.Fields(normalizeAnswer(gold))
	if len(pred) == 0 || len(ref) == 0 {
		if len(pred) == len(ref) {
			return 1
		}
		return 0
	}

	counts := make(map[string]int, len(ref))
	for _, tok := range ref {
		counts[tok]++
	}
	common := 0
	for _, tok := range pred {
		if counts[tok] > 0 {
			counts[tok]--
			common++
		}
	}
	if common == 0 {
		return 0
	}
	precision := float64(common) / float64(len(pred))
	recall := float64(common) / float64(len(ref))
	return 2 * precision * recall / (precision + recall)
}
