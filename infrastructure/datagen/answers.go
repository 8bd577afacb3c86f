package datagen

import (
	"cmp"
	"regexp"
	"slices"
	"strings"

	"github.com/ahrav/go-synthgen/infrastructure/classifier"
)

// answerPatterns match entity-like spans that make good extractive answers.
// Earlier patterns win when spans overlap at the same start.
var answerPatterns = []*regexp.Regexp{
	// Full dates: "July 14, 1789", "14 July 1789".
	regexp.MustCompile(`\b(?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2},\s+\d{4}\b`),
	regexp.MustCompile(`\b\d{1,2}\s+(?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{4}\b`),
	// Quantities with units or currency.
	regexp.MustCompile(`(?:[$€£]\s?\d[\d,]*(?:\.\d+)?(?:\s(?:million|billion|thousand))?)|\b\d[\d,]*(?:\.\d+)?\s?(?:%|percent|million|billion|thousand|km|kilometres|kilometers|miles|metres|meters|feet|kg|tons|tonnes|years|people)\b`),
	// Years.
	regexp.MustCompile(`\b(?:1[0-9]|20)\d{2}\b`),
	// Quoted spans.
	regexp.MustCompile(`"[^"\n]{2,60}"|“[^”\n]{2,60}”`),
	// Runs of two or more capitalized words, allowing "of", "the" and "de" inside.
	regexp.MustCompile(`\b[A-Z][\p{L}'’-]+(?:\s+(?:(?:of|the|de|and)\s+)?[A-Z][\p{L}'’-]+)+`),
}

// answerSpan is a candidate answer located in its context.
type answerSpan struct {
	text     string
	start    int
	end      int
	priority int
}

// extractAnswers returns up to limit distinct, non-overlapping answer
// candidates from context, in order of appearance. Offsets are bytes.
func extractAnswers(context string, limit int) []answerSpan {
	var spans []answerSpan
	for priority, re := range answerPatterns {
		for _, loc := range re.FindAllStringIndex(context, -1) {
			start, end := loc[0], loc[1]
			text := context[start:end]
			if trimmed := strings.Trim(text, `"“”`); trimmed != text {
				start += strings.Index(text, trimmed)
				end = start + len(trimmed)
				text = trimmed
			}
			spans = append(spans, answerSpan{text: text, start: start, end: end, priority: priority})
		}
	}

	slices.SortFunc(spans, func(a, b answerSpan) int {
		if c := cmp.Compare(a.start, b.start); c != 0 {
			return c
		}
		if c := cmp.Compare(a.priority, b.priority); c != 0 {
			return c
		}
		return cmp.Compare(b.end, a.end)
	})

	var (
		out     []answerSpan
		seen    = make(map[string]bool)
		lastEnd = -1
	)
	for _, s := range spans {
		if limit > 0 && len(out) >= limit {
			break
		}
		if s.start < lastEnd {
			continue
		}
		key := classifier.Normalize(s.text)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
		lastEnd = s.end
	}
	return out
}

var sentencePattern = regexp.MustCompile(`[^.!?\n]+[.!?]*`)

// supportsAnswer is the lexical round-trip check for a generated question:
// the context sentence sharing the most tokens with the question must
// contain the answer, and the shared fraction of question tokens must
// reach threshold.
func supportsAnswer(context, question, answer string, threshold float64) bool {
	qTokens := classifier.Tokenize(question)
	if len(qTokens) == 0 {
		return false
	}
	qSet := make(map[string]bool, len(qTokens))
	for _, t := range qTokens {
		qSet[t] = true
	}

	bestSentence, bestOverlap := "", -1
	for _, sentence := range sentencePattern.FindAllString(context, -1) {
		overlap := 0
		counted := make(map[string]bool)
		for _, t := range classifier.Tokenize(sentence) {
			if qSet[t] && !counted[t] {
				counted[t] = true
				overlap++
			}
		}
		if overlap > bestOverlap {
			bestSentence, bestOverlap = sentence, overlap
		}
	}
	if bestOverlap <= 0 {
		return false
	}
	if float64(bestOverlap)/float64(len(qSet)) < threshold {
		return false
	}
	return strings.Contains(classifier.Normalize(bestSentence), classifier.Normalize(answer))
}
