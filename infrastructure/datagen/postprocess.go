package datagen

import (
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Outcomes of a raw model output.
const (
	outcomeAccepted      = "accepted"
	outcomeEmpty         = "empty"
	outcomeSameAsInput   = "same_as_condition"
	outcomeDuplicate     = "duplicate"
	outcomeNearDuplicate = "near_duplicate"
	outcomeFiltered      = "filtered"
)

// postprocess cuts an output at the first double quote and trims it.
// Instructions open a quotation the model is expected to close.
func postprocess(text string) string {
	if i := strings.IndexByte(text, '"'); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}

// similarity is 1 minus the Levenshtein distance over the longer length.
func similarity(a, b string) float64 {
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// deduper tracks accepted texts per group.
type deduper struct {
	threshold float64
	seen      map[string]map[string]struct{}
	accepted  map[string][]string
}

func newDeduper(threshold float64) *deduper {
	return &deduper{
		threshold: threshold,
		seen:      make(map[string]map[string]struct{}),
		accepted:  make(map[string][]string),
	}
}

// check returns the outcome text would have in group without recording it.
func (d *deduper) check(group, text string) string {
	if _, dup := d.seen[group][text]; dup {
		return outcomeDuplicate
	}
	if d.threshold > 0 {
		for _, prev := range d.accepted[group] {
			if similarity(prev, text) >= d.threshold {
				return outcomeNearDuplicate
			}
		}
	}
	return outcomeAccepted
}

func (d *deduper) add(group, text string) {
	if d.seen[group] == nil {
		d.seen[group] = make(map[string]struct{})
	}
	d.seen[group][text] = struct{}{}
	if d.threshold > 0 {
		d.accepted[group] = append(d.accepted[group], text)
	}
}
