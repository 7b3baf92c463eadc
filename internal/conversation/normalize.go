package conversation

import (
	"strings"
	"unicode"
)

// normalize lowercases, maps punctuation to spaces and folds whitespace so
// keyword and synonym matching is insensitive to surface form.
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// expandTerms returns the normalized keyword plus its configured synonyms.
func expandTerms(keyword string, synonyms map[string][]string) []string {
	terms := []string{normalize(keyword)}
	for _, syn := range synonyms[keyword] {
		if n := normalize(syn); n != "" {
			terms = append(terms, n)
		}
	}
	return terms
}

// containsTerm reports whether the normalized haystack contains term as a
// word-bounded phrase.
func containsTerm(normalized, term string) bool {
	if term == "" {
		return false
	}
	idx := 0
	for {
		i := strings.Index(normalized[idx:], term)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(term)
		beforeOK := start == 0 || normalized[start-1] == ' '
		afterOK := end == len(normalized) || normalized[end] == ' '
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}
