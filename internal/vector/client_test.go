package vector

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"catalog-assistant/internal/domain"
	"catalog-assistant/internal/retry"
)

type stubEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (s *stubEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	s.calls++
	return s.vec, s.err
}

type stubIndex struct {
	hits []Hit
	err  error
	topK int
}

func (s *stubIndex) Search(_ context.Context, _ []float32, topK int) ([]Hit, error) {
	s.topK = topK
	return s.hits, s.err
}

func TestNewClient_Validates(t *testing.T) {
	_, err := NewClient(nil, &stubIndex{}, 0)
	require.Error(t, err)
	_, err = NewClient(&stubEmbedder{}, nil, 0)
	require.Error(t, err)
	_, err = NewClient(&stubEmbedder{}, &stubIndex{}, 2)
	require.Error(t, err)
}

func TestSearch_RanksAndClamps(t *testing.T) {
	idx := &stubIndex{hits: []Hit{
		{Title: "a", URL: "u-a", Similarity: 0.42},
		{Title: "b", URL: "u-b", Similarity: 1.3},
		{Title: "c", URL: "u-c", Similarity: -0.2},
		{Title: "d", URL: "u-d", Similarity: 0.42},
		{Title: "e", URL: "u-e", Similarity: math.NaN()},
	}}
	c, err := NewClient(&stubEmbedder{vec: []float32{0.1, 0.2}}, idx, 0)
	require.NoError(t, err)

	got, err := c.Search(context.Background(), "crispy wafer", 4)
	require.NoError(t, err)
	require.Equal(t, 4, idx.topK)
	require.Len(t, got, 4)

	titles := make([]string, len(got))
	for i, s := range got {
		titles[i] = s.Title
		require.GreaterOrEqual(t, s.Score, 0.0)
		require.LessOrEqual(t, s.Score, 1.0)
		if i > 0 {
			require.GreaterOrEqual(t, got[i-1].Score, s.Score)
		}
	}
	// a and d tie; stable order keeps a first.
	require.Equal(t, []string{"b", "a", "d", "c"}, titles)
}

func TestSearch_MinScore(t *testing.T) {
	idx := &stubIndex{hits: []Hit{{Title: "a", Similarity: 0.9}, {Title: "b", Similarity: 0.2}}}
	c, err := NewClient(&stubEmbedder{vec: []float32{1}}, idx, 0.5)
	require.NoError(t, err)

	got, err := c.Search(context.Background(), "q", 5)
	require.NoError(t, err)
	require.Equal(t, []domain.Snippet{{Title: "a", Score: 0.9}}, got)
}

func TestSearch_EmptyIsNotError(t *testing.T) {
	c, err := NewClient(&stubEmbedder{vec: []float32{1}}, &stubIndex{}, 0)
	require.NoError(t, err)
	got, err := c.Search(context.Background(), "q", 5)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestSearch_Errors(t *testing.T) {
	c, err := NewClient(&stubEmbedder{err: errors.New("embed down")}, &stubIndex{}, 0)
	require.NoError(t, err)
	_, err = c.Search(context.Background(), "q", 5)
	require.ErrorContains(t, err, "embed question")

	c, err = NewClient(&stubEmbedder{vec: []float32{1}}, &stubIndex{err: errors.New("pg down")}, 0)
	require.NoError(t, err)
	_, err = c.Search(context.Background(), "q", 5)
	require.ErrorContains(t, err, "search")

	_, err = c.Search(context.Background(), " ", 5)
	require.True(t, retry.IsValidation(err))
	_, err = c.Search(context.Background(), "q", 0)
	require.True(t, retry.IsValidation(err))
}
