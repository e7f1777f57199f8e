package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Product is one entry of the product vocabulary.
type Product struct {
	Name         string   `yaml:"name" json:"name"`
	Category     string   `yaml:"category" json:"category"`
	Brand        string   `yaml:"brand" json:"brand,omitempty"`
	Aliases      []string `yaml:"aliases" json:"-"`
	URL          string   `yaml:"url" json:"url,omitempty"`
	PurchaseLink string   `yaml:"purchase_link" json:"purchase_link,omitempty"`
	Description  string   `yaml:"description" json:"description,omitempty"`
}

// Category groups products and lists the words that refer to it.
type Category struct {
	Name  string   `yaml:"name"`
	Terms []string `yaml:"terms"`
}

// Brand is a product owner referenced by Product.Brand.
type Brand struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
}

// Store is a raw vendor record.
type Store struct {
	Name      string   `yaml:"name"`
	Address   string   `yaml:"address"`
	Latitude  float64  `yaml:"latitude"`
	Longitude float64  `yaml:"longitude"`
	Products  []string `yaml:"products"`
}

type document struct {
	Categories []Category `yaml:"categories"`
	Brands     []Brand    `yaml:"brands"`
	Products   []Product  `yaml:"products"`
	Stores     []Store    `yaml:"stores"`
}

// Catalog is the read-only product and vendor data set. It is safe for
// concurrent use.
type Catalog struct {
	doc    document
	byNorm map[string]int
}

// Load reads the catalog at path, or the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Parse(defaultCatalog)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %q: %w", path, err)
	}
	return Parse(raw)
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(err)
	}
	return c
}

// Parse decodes and validates a YAML catalog document.
func Parse(raw []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	if len(doc.Products) == 0 {
		return nil, errors.New("catalog: no products defined")
	}

	categories := make(map[string]bool, len(doc.Categories))
	for _, c := range doc.Categories {
		categories[c.Name] = true
	}

	c := &Catalog{doc: doc, byNorm: make(map[string]int)}
	for i, p := range doc.Products {
		if strings.TrimSpace(p.Name) == "" {
			return nil, fmt.Errorf("catalog: product %d has no name", i)
		}
		if !categories[p.Category] {
			return nil, fmt.Errorf("catalog: product %q has unknown category %q", p.Name, p.Category)
		}
		for _, form := range p.Forms() {
			key := Normalize(form)
			if key == "" {
				continue
			}
			if _, dup := c.byNorm[key]; !dup {
				c.byNorm[key] = i
			}
		}
	}
	for _, s := range doc.Stores {
		if s.Latitude < -90 || s.Latitude > 90 || s.Longitude < -180 || s.Longitude > 180 {
			return nil, fmt.Errorf("catalog: store %q has invalid coordinates", s.Name)
		}
	}
	return c, nil
}

// Forms returns the product name followed by its aliases.
func (p Product) Forms() []string {
	return append([]string{p.Name}, p.Aliases...)
}

// Products returns the vocabulary in declaration order.
func (c *Catalog) Products() []Product {
	return append([]Product(nil), c.doc.Products...)
}

// Categories returns the category list in declaration order.
func (c *Catalog) Categories() []Category {
	return append([]Category(nil), c.doc.Categories...)
}

// Stores returns every vendor record.
func (c *Catalog) Stores() []Store {
	return append([]Store(nil), c.doc.Stores...)
}

// FindProduct resolves a product by name or alias, ignoring case, accents
// and punctuation.
func (c *Catalog) FindProduct(name string) (Product, bool) {
	i, ok := c.byNorm[Normalize(name)]
	if !ok {
		return Product{}, false
	}
	return c.doc.Products[i], true
}

// CategoryTerms returns every term of every category.
func (c *Catalog) CategoryTerms() []string {
	var out []string
	for _, cat := range c.doc.Categories {
		out = append(out, cat.Name)
		out = append(out, cat.Terms...)
	}
	return out
}

func (c *Catalog) productsIn(category string) []string {
	var out []string
	for _, p := range c.doc.Products {
		if p.Category == category {
			out = append(out, p.Name)
		}
	}
	return out
}

func (c *Catalog) productsOf(brand string) []string {
	var out []string
	for _, p := range c.doc.Products {
		if p.Brand == brand {
			out = append(out, p.Name)
		}
	}
	return out
}
