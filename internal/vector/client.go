package vector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"catalog-assistant/internal/domain"
	"catalog-assistant/internal/retry"
)

// Embedder turns text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Hit is a raw nearest-neighbour match. Similarity is cosine similarity and
// may fall outside [0,1].
type Hit struct {
	Title      string
	Content    string
	URL        string
	Similarity float64
}

// Index performs nearest-neighbour search over indexed content.
type Index interface {
	Search(ctx context.Context, embedding []float32, topK int) ([]Hit, error)
}

// Client embeds questions and searches the index.
type Client struct {
	embedder Embedder
	index    Index
	minScore float64
}

func NewClient(e Embedder, idx Index, minScore float64) (*Client, error) {
	if e == nil {
		return nil, errors.New("vector: embedder must not be nil")
	}
	if idx == nil {
		return nil, errors.New("vector: index must not be nil")
	}
	if minScore < 0 || minScore > 1 {
		return nil, errors.New("vector: min score must be within [0,1]")
	}
	return &Client{embedder: e, index: idx, minScore: minScore}, nil
}

// Search returns at most topK snippets ordered by descending score. Scores
// are clamped into [0,1]; equal scores keep index order. An empty result is
// not an error.
func (c *Client) Search(ctx context.Context, question string, topK int) ([]domain.Snippet, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, retry.Validation("empty question", nil)
	}
	if topK <= 0 {
		return nil, retry.Validation("top_k must be positive", nil)
	}

	emb, err := c.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("vector: embed question: %w", err)
	}
	if len(emb) == 0 {
		return nil, errors.New("vector: embedder returned an empty vector")
	}

	hits, err := c.index.Search(ctx, emb, topK)
	if err != nil {
		return nil, fmt.Errorf("vector: search: %w", err)
	}
	return Rank(hits, topK, c.minScore), nil
}

// Rank normalizes, filters, orders and truncates hits.
func Rank(hits []Hit, topK int, minScore float64) []domain.Snippet {
	out := make([]domain.Snippet, 0, len(hits))
	for _, h := range hits {
		score := clamp(h.Similarity)
		if score < minScore {
			continue
		}
		out = append(out, domain.Snippet{Title: h.Title, Content: h.Content, URL: h.URL, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

func clamp(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
