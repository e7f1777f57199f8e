package catalog

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	countPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\bhow many\b`),
		regexp.MustCompile(`\bnumber of\b`),
		regexp.MustCompile(`\bcount of\b`),
		regexp.MustCompile(`\bquantity of\b`),
	}
	countSubject  = regexp.MustCompile(`\b(products?|items?|brands?|categor(y|ies))\b`)
	countThereAre = regexp.MustCompile(`how many .+ (are|is) (there|listed|available|offered)`)
	countTotal    = regexp.MustCompile(`(all|total).*(products|items)|nestle.*(products|items)|(products|items).*(site|listed|available|offered|total)`)

	listPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\blist (all|the)\b`),
		regexp.MustCompile(`\bwhat (are|is) (all|the)\b.*\b(products|brands|categories)\b`),
		regexp.MustCompile(`\bshow (all|the|me)\b.*\b(products|brands|categories)\b`),
		regexp.MustCompile(`\btell me (all|the)\b.*\b(products|brands|categories)\b`),
		regexp.MustCompile(`\b(what|which) .*\b(products|brands)\b`),
	}
	listAll = regexp.MustCompile(`all (nestle )?products`)
)

// Answer handles count and list questions ("how many chocolate products
// are there?", "list all water products") from catalog metadata. It reports
// false when the question is not one of those shapes.
func (c *Catalog) Answer(question string) (string, bool) {
	q := Fold(question)
	switch {
	case c.isCountQuery(q):
		return c.answerCount(q), true
	case isListQuery(q):
		return c.answerList(q)
	default:
		return "", false
	}
}

// isCountQuery requires a countable catalog subject, so "how many calories
// are there in a KitKat" is left to retrieval.
func (c *Catalog) isCountQuery(q string) bool {
	if !countSubject.MatchString(q) {
		return false
	}
	if countThereAre.MatchString(q) {
		return true
	}
	for _, re := range countPatterns {
		if re.MatchString(q) {
			return true
		}
	}
	return false
}

func isListQuery(q string) bool {
	for _, re := range listPatterns {
		if re.MatchString(q) {
			return true
		}
	}
	return false
}

func (c *Catalog) answerCount(q string) string {
	total := len(c.doc.Products)
	if countTotal.MatchString(q) && c.categoryIn(q) == "" {
		if strings.Contains(q, "site") || strings.Contains(q, "listed") {
			return fmt.Sprintf("There are %d products listed on our site.", total)
		}
		return fmt.Sprintf("We offer %d products in our catalog.", total)
	}
	if cat := c.categoryIn(q); cat != "" {
		return fmt.Sprintf("There are %d products in the %s category.", len(c.productsIn(cat)), cat)
	}
	if brand := c.brandIn(q); brand != "" {
		return fmt.Sprintf("There are %d products under the %s brand.", len(c.productsOf(brand)), titleCase(brand))
	}
	if strings.Contains(q, "categories") {
		return fmt.Sprintf("There are %d product categories: %s.", len(c.doc.Categories), strings.Join(c.categoryNames(), ", "))
	}
	return fmt.Sprintf("We have a total of %d products across %d categories.", total, len(c.doc.Categories))
}

func (c *Catalog) answerList(q string) (string, bool) {
	if cat := c.categoryIn(q); cat != "" {
		return fmt.Sprintf("The products in the %s category are: %s.", cat, strings.Join(c.productsIn(cat), ", ")), true
	}
	if brand := c.brandIn(q); brand != "" {
		return fmt.Sprintf("The %s products are: %s.", titleCase(brand), strings.Join(c.productsOf(brand), ", ")), true
	}
	if listAll.MatchString(q) {
		names := make([]string, 0, len(c.doc.Products))
		for _, p := range c.doc.Products {
			names = append(names, p.Name)
		}
		sort.Strings(names)
		return fmt.Sprintf("Here are all of our products: %s.", strings.Join(names, ", ")), true
	}
	if strings.Contains(q, "categories") {
		return fmt.Sprintf("The product categories are: %s.", strings.Join(c.categoryNames(), ", ")), true
	}
	return "", false
}

// categoryIn returns the first category whose name or term appears in q.
func (c *Catalog) categoryIn(q string) string {
	for _, cat := range c.doc.Categories {
		if containsWord(q, cat.Name) {
			return cat.Name
		}
	}
	nq := Normalize(q)
	for _, cat := range c.doc.Categories {
		for _, term := range cat.Terms {
			if containsWord(q, term) || (len(Normalize(term)) > 4 && strings.Contains(nq, Normalize(term))) {
				return cat.Name
			}
		}
	}
	return ""
}

func (c *Catalog) brandIn(q string) string {
	nq := Normalize(q)
	for _, b := range c.doc.Brands {
		for _, form := range append([]string{b.Name}, b.Aliases...) {
			if strings.Contains(q, Fold(form)) || strings.Contains(nq, Normalize(form)) {
				return b.Name
			}
		}
	}
	return ""
}

func (c *Catalog) categoryNames() []string {
	out := make([]string, 0, len(c.doc.Categories))
	for _, cat := range c.doc.Categories {
		out = append(out, cat.Name)
	}
	return out
}

func containsWord(s, word string) bool {
	word = Fold(strings.TrimSpace(word))
	if word == "" {
		return false
	}
	re, err := regexp.Compile(`\b` + regexp.QuoteMeta(word) + `\b`)
	if err != nil {
		return strings.Contains(s, word)
	}
	return re.MatchString(s)
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
