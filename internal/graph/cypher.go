package graph

import (
	"regexp"
	"strconv"
	"strings"

	"catalog-assistant/internal/retry"
)

const defaultResultLimit = 25

var (
	fencePattern    = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")
	writeClause     = regexp.MustCompile(`(?i)\b(CREATE|MERGE|DELETE|DETACH|SET|REMOVE|DROP|FOREACH|LOAD\s+CSV)\b`)
	unsafeProcedure = regexp.MustCompile(`(?i)\bCALL\s+(dbms|apoc|gds|db\.(create|index|drop))`)
	matchClause     = regexp.MustCompile(`(?i)\bMATCH\b`)
	returnClause    = regexp.MustCompile(`(?i)\bRETURN\b`)
	limitClause     = regexp.MustCompile(`(?i)\bLIMIT\s+\d+`)
	paramPattern    = regexp.MustCompile(`\$(\w+)`)
)

// StripFences removes a surrounding markdown code fence from generated text.
func StripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), ";"))
}

// ValidateCypher checks that a generated query is a bounded read. It returns
// the query with a LIMIT appended when none was given.
func ValidateCypher(q string) (string, error) {
	q = StripFences(q)
	switch {
	case q == "":
		return "", retry.Validation("empty generated query", nil)
	case writeClause.MatchString(q):
		return "", retry.Validation("generated query contains a write clause", nil)
	case unsafeProcedure.MatchString(q):
		return "", retry.Validation("generated query calls an administrative procedure", nil)
	case !matchClause.MatchString(q):
		return "", retry.Validation("generated query has no MATCH clause", nil)
	case !returnClause.MatchString(q):
		return "", retry.Validation("generated query has no RETURN clause", nil)
	}
	if !limitClause.MatchString(q) {
		q += "\nLIMIT " + strconv.Itoa(defaultResultLimit)
	}
	return q, nil
}

// Parameters lists the $names referenced by q, in first-seen order.
func Parameters(q string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range paramPattern.FindAllStringSubmatch(q, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// keywordQuery is the deterministic lookup used when no usable query can be
// generated. Nodes are ranked by how many keywords hit title and content.
const keywordQuery = `MATCH (n:Content)
WHERE any(keyword IN $keywords WHERE toLower(n.title) CONTAINS keyword
      OR toLower(n.content) CONTAINS keyword)
RETURN n.title AS title, n.content AS content, n.url AS url
ORDER BY size([keyword IN $keywords WHERE toLower(n.title) CONTAINS keyword]) +
         size([keyword IN $keywords WHERE toLower(n.content) CONTAINS keyword]) DESC
LIMIT 5`
