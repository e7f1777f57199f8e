package graph

import (
	"strings"
	"unicode"

	"catalog-assistant/internal/catalog"
)

var stopWords = map[string]bool{
	"a": true, "about": true, "all": true, "an": true, "and": true, "any": true, "are": true, "can": true,
	"could": true, "did": true, "do": true, "does": true, "for": true, "from": true, "have": true, "how": true,
	"i": true, "in": true, "is": true, "it": true, "its": true, "me": true, "my": true, "of": true, "on": true,
	"or": true, "please": true, "tell": true, "that": true, "the": true, "there": true, "this": true, "to": true,
	"what": true, "whats": true, "when": true, "where": true, "which": true, "who": true, "why": true,
	"with": true, "you": true, "your": true, "much": true, "many": true, "some": true, "get": true,
}

// Keywords extracts lowercase, accent-folded content words of three or more
// letters from text, in order of first appearance.
func Keywords(text string) []string {
	fields := strings.FieldsFunc(catalog.Fold(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := map[string]bool{}
	var out []string
	for _, f := range fields {
		if len(f) < 3 || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
