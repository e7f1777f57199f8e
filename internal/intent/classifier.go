package intent

import (
	"regexp"
	"strings"

	"catalog-assistant/internal/catalog"
	"catalog-assistant/internal/domain"
)

// Rule is a named high-confidence purchase phrase.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
}

// StrongRules are evaluated in order against folded text; any match is a
// purchase intent.
var StrongRules = []Rule{
	{Name: "where_can_i_buy", Pattern: regexp.MustCompile(`\bwhere (can|do|could|should) i (buy|get|find|purchase)\b`)},
	{Name: "where_to_buy", Pattern: regexp.MustCompile(`\bwhere to (buy|get|find|purchase)\b`)},
	{Name: "nearby_stores", Pattern: regexp.MustCompile(`\b(nearby|closest|nearest) (stores?|shops?|retailers?|locations?)\b`)},
	{Name: "stores_near", Pattern: regexp.MustCompile(`\b(stores?|shops?|retailers?) near\b`)},
	{Name: "shopping_for", Pattern: regexp.MustCompile(`\bshopping for\b`)},
	{Name: "want_to_buy", Pattern: regexp.MustCompile(`\b(want|looking|like|going) to (buy|purchase|order)\b`)},
	{Name: "who_sells", Pattern: regexp.MustCompile(`\bwho (sells|carries|stocks)\b`)},
	{Name: "in_stock", Pattern: regexp.MustCompile(`\b(in stock|available near)\b`)},
}

var purchaseVerb = regexp.MustCompile(`\b(buy|buying|purchase|purchasing|shop|shopping|order|ordering)\b`)

// Vocabulary supplies the product names and category terms the classifier
// matches against.
type Vocabulary interface {
	Products() []catalog.Product
	CategoryTerms() []string
}

type productForms struct {
	name   string
	folded []string
	norm   []string
}

// Classifier maps user text to an IntentSignal. It is pure and safe for
// concurrent use.
type Classifier struct {
	products []productForms
	terms    []*regexp.Regexp
}

// New builds a Classifier over v. Product order in v is the tie-break order.
func New(v Vocabulary) *Classifier {
	c := &Classifier{}
	for _, p := range v.Products() {
		pf := productForms{name: p.Name}
		for _, form := range p.Forms() {
			if f := strings.TrimSpace(catalog.Fold(form)); f != "" {
				pf.folded = append(pf.folded, f)
			}
			if n := catalog.Normalize(form); n != "" {
				pf.norm = append(pf.norm, n)
			}
		}
		c.products = append(c.products, pf)
	}
	for _, term := range v.CategoryTerms() {
		term = strings.TrimSpace(catalog.Fold(term))
		if term == "" {
			continue
		}
		c.terms = append(c.terms, regexp.MustCompile(`\b`+regexp.QuoteMeta(term)+`\b`))
	}
	return c
}

// Classify inspects text. lastAssistant is the most recent assistant
// response and is only consulted for the product name when text shows
// purchase intent but names no product.
func (c *Classifier) Classify(text, lastAssistant string) domain.IntentSignal {
	folded := catalog.Fold(text)
	sig := domain.IntentSignal{
		HasPurchaseIntent: c.hasPurchaseIntent(folded),
		CandidateProduct:  c.ExtractProduct(text),
	}
	if sig.HasPurchaseIntent && sig.CandidateProduct == "" && lastAssistant != "" {
		sig.CandidateProduct = c.ExtractProduct(lastAssistant)
	}
	return sig
}

// matchedRule returns the name of the first strong rule matching folded.
func matchedRule(folded string) (string, bool) {
	for _, r := range StrongRules {
		if r.Pattern.MatchString(folded) {
			return r.Name, true
		}
	}
	return "", false
}

func (c *Classifier) hasPurchaseIntent(folded string) bool {
	if _, ok := matchedRule(folded); ok {
		return true
	}
	if !purchaseVerb.MatchString(folded) {
		return false
	}
	for _, term := range c.terms {
		if term.MatchString(folded) {
			return true
		}
	}
	return false
}

// ExtractProduct returns the first vocabulary product mentioned in text,
// by exact (case and accent insensitive) or alphanumeric-normalized
// substring.
func (c *Classifier) ExtractProduct(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	folded := catalog.Fold(text)
	normalized := catalog.Normalize(text)
	for _, p := range c.products {
		for _, f := range p.folded {
			if strings.Contains(folded, f) {
				return p.name
			}
		}
		for _, n := range p.norm {
			if strings.Contains(normalized, n) {
				return p.name
			}
		}
	}
	return ""
}
