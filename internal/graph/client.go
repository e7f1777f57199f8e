package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"catalog-assistant/internal/catalog"
	"catalog-assistant/internal/domain"
	"catalog-assistant/internal/logging"
	"catalog-assistant/internal/retry"
)

// Generator turns a prompt into plain text.
type Generator interface {
	Complete(ctx context.Context, messages []domain.ChatMessage) (string, error)
}

// Executor runs a read query against the graph.
type Executor interface {
	Run(ctx context.Context, cypher string, params map[string]any) ([]domain.GraphNode, error)
}

// Result is the outcome of one graph lookup. An empty Nodes slice is a
// normal "no match", not a failure.
type Result struct {
	Nodes    []domain.GraphNode
	Cypher   string
	Fallback bool
}

func (r Result) Empty() bool { return len(r.Nodes) == 0 }

// Client translates questions into graph queries and runs them.
type Client struct {
	gen     Generator
	exec    Executor
	catalog *catalog.Catalog
}

// NewClient builds a Client. gen may be nil, in which case every lookup uses
// the keyword query.
func NewClient(gen Generator, exec Executor, cat *catalog.Catalog) (*Client, error) {
	if exec == nil {
		return nil, errors.New("graph: executor must not be nil")
	}
	if cat == nil {
		return nil, errors.New("graph: catalog must not be nil")
	}
	return &Client{gen: gen, exec: exec, catalog: cat}, nil
}

// Query answers question from the graph. conversation holds recent turns
// and is used for the generator prompt and to resolve the product a follow-up
// question refers to. Unusable generated queries fall back to a keyword
// lookup; only execution failures are returned as errors.
func (c *Client) Query(ctx context.Context, question string, conversation []domain.Turn) (Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Result{}, retry.Validation("empty question", nil)
	}
	log := logging.From(ctx)
	params := c.parameters(question, conversation)

	if c.gen != nil {
		cypher, err := c.generate(ctx, question, conversation)
		switch {
		case err != nil && ctx.Err() != nil:
			return Result{}, ctx.Err()
		case err != nil:
			log.Warn("graph query generation failed, using keyword lookup", "err", err)
		default:
			nodes, err := c.exec.Run(ctx, cypher, bind(cypher, params))
			switch {
			case err == nil && len(nodes) > 0:
				return Result{Nodes: nodes, Cypher: cypher}, nil
			case err == nil:
				log.Debug("generated graph query matched nothing", "cypher", cypher)
			case retry.IsValidation(err):
				log.Warn("graph rejected generated query, using keyword lookup", "err", err)
			default:
				return Result{}, fmt.Errorf("graph: run generated query: %w", err)
			}
		}
	}

	if len(params["keywords"].([]string)) == 0 {
		return Result{Fallback: true}, nil
	}
	nodes, err := c.exec.Run(ctx, keywordQuery, bind(keywordQuery, params))
	if err != nil {
		return Result{}, fmt.Errorf("graph: run keyword query: %w", err)
	}
	return Result{Nodes: nodes, Cypher: keywordQuery, Fallback: true}, nil
}

func (c *Client) generate(ctx context.Context, question string, conversation []domain.Turn) (string, error) {
	raw, err := c.gen.Complete(ctx, cypherPrompt(question, conversation))
	if err != nil {
		return "", err
	}
	return ValidateCypher(raw)
}

// parameters computes every value a generated query may reference.
func (c *Client) parameters(question string, conversation []domain.Turn) map[string]any {
	product := productIn(c.catalog, question)
	if product == "" {
		for i := len(conversation) - 1; i >= 0 && product == ""; i-- {
			product = productIn(c.catalog, conversation[i].Text)
		}
	}
	keywords := Keywords(question)
	if product != "" {
		keywords = appendUnique(keywords, strings.ToLower(catalog.Fold(product)))
	}
	category := ""
	if p, ok := c.catalog.FindProduct(product); ok {
		category = p.Category
	}
	return map[string]any{
		"query":    question,
		"question": question,
		"product":  product,
		"category": category,
		"keywords": keywords,
	}
}

// bind keeps only the parameters q references; unknown names get the
// question text, which is what a generator most often means by them.
func bind(q string, all map[string]any) map[string]any {
	out := make(map[string]any)
	for _, name := range Parameters(q) {
		if v, ok := all[name]; ok {
			out[name] = v
			continue
		}
		out[name] = all["query"]
	}
	return out
}

func productIn(cat *catalog.Catalog, text string) string {
	folded := catalog.Fold(text)
	normalized := catalog.Normalize(text)
	for _, p := range cat.Products() {
		for _, form := range p.Forms() {
			if strings.Contains(folded, catalog.Fold(form)) || strings.Contains(normalized, catalog.Normalize(form)) {
				return p.Name
			}
		}
	}
	return ""
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
