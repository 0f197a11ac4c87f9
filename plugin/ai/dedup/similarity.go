// Package dedup detects near-duplicate questions within a conversation so
// repeated questions can be answered from cache instead of the model.
package dedup

import (
	"strings"
	"unicode"
)

// DuplicateThreshold is the similarity above which two questions are treated
// as the same question.
const DuplicateThreshold = 0.9

// Normalize lowercases the text, strips punctuation and collapses whitespace
// so trivially rephrased questions compare equal.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}

	return strings.TrimSpace(b.String())
}

// Tokens splits normalized text into a token set.
func Tokens(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(Normalize(s)) {
		set[tok] = true
	}
	return set
}

// Similarity computes the Jaccard overlap of the token sets of a and b.
// Returns 1.0 for identical normalized text and 0 when either side is empty.
func Similarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1.0
	}

	setA, setB := Tokens(a), Tokens(b)
	var intersection int
	for tok := range setA {
		if setB[tok] {
			intersection++
		}
	}

	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// IsDuplicate reports whether two questions exceed the duplicate threshold.
func IsDuplicate(a, b string, threshold float64) bool {
	if threshold <= 0 {
		threshold = DuplicateThreshold
	}
	return Similarity(a, b) >= threshold
}
