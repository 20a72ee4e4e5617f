// Package textnorm holds the single string normalization shared by every
// lookup in the pipeline: gazetteer keys, alias terms, filter patterns and
// deduplication keys all fold through here.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

func stripMarks() transform.Transformer {
	return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}

// StripDiacritics removes combining marks while preserving case.
func StripDiacritics(s string) string {
	out, _, err := transform.String(stripMarks(), s)
	if err != nil {
		return s
	}
	return out
}

// Fold lower-cases, strips diacritics, trims and collapses whitespace.
func Fold(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(StripDiacritics(s))), " ")
}

// Key folds s and additionally turns separators (underscores, hyphens,
// slashes, dots) into single spaces, so "civil_disorder", "Civil-Disorder"
// and "civil disorder" share one key.
func Key(s string) string {
	folded := strings.ToLower(StripDiacritics(s))
	folded = strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', '/', '.', '\\', ':':
			return ' '
		}
		return r
	}, folded)
	return strings.Join(strings.Fields(folded), " ")
}

// Compact is Key with all spaces removed, for matching "sub event" to "subevent".
func Compact(s string) string {
	return strings.ReplaceAll(Key(s), " ", "")
}

// Words folds s and drops punctuation and symbols.
func Words(s string) string {
	folded := strings.ToLower(StripDiacritics(s))
	folded = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, folded)
	return strings.Join(strings.Fields(folded), " ")
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
