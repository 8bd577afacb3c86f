package classifier

import (
	"cmp"
	"math"
	"slices"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// DefaultBuckets is the size of the hashed feature space.
const DefaultBuckets = 1 << 18

// Normalize applies NFKC normalization and Unicode case folding.
func Normalize(text string) string {
	return cases.Fold().String(norm.NFKC.String(text))
}

// Tokenize splits normalized text into runs of letters and digits.
func Tokenize(text string) []string {
	return strings.FieldsFunc(Normalize(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// feature is one non-zero entry of a sparse feature vector.
type feature struct {
	index int
	value float64
}

// featurize hashes the unigrams and bigrams of a text pair into buckets and
// returns an L2-normalized sparse vector. Features of the second text are
// prefixed so that pair inputs keep their sides apart.
func featurize(textA, textB string, buckets int) []feature {
	counts := make(map[int]float64)
	add := func(prefix, text string) {
		tokens := Tokenize(text)
		for i, tok := range tokens {
			counts[bucket(prefix+tok, buckets)]++
			if i > 0 {
				counts[bucket(prefix+tokens[i-1]+" "+tok, buckets)]++
			}
		}
	}
	if textB == "" {
		add("", textA)
	} else {
		add("a:", textA)
		add("b:", textB)
	}

	var norm2 float64
	for _, c := range counts {
		norm2 += c * c
	}
	scale := 1.0
	if norm2 > 0 {
		scale = 1 / math.Sqrt(norm2)
	}

	out := make([]feature, 0, len(counts))
	for idx, c := range counts {
		out = append(out, feature{index: idx, value: c * scale})
	}
	slices.SortFunc(out, func(a, b feature) int { return cmp.Compare(a.index, b.index) })
	return out
}

func bucket(s string, buckets int) int {
	return int(xxhash.Sum64String(s) % uint64(buckets))
}
