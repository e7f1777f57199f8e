// Package synth turns retrieved evidence and recent conversation into the
// assistant's answer and the references that back it.
package synth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"catalog-assistant/internal/domain"
	"catalog-assistant/internal/logging"
)

const (
	DefaultMaxHistoryTurns  = 10
	DefaultMaxContextTokens = 3000

	// charsPerToken approximates tokenizer output for English text.
	charsPerToken = 4
)

// UncertaintyAnswer is returned when no evidence was found for a question.
const UncertaintyAnswer = "I'm sorry, I couldn't find specific information about that in our product catalog. " +
	"Could you rephrase your question or ask about a specific product?"

// Generator produces a completion constrained to a JSON schema.
type Generator interface {
	CompleteJSON(ctx context.Context, messages []domain.ChatMessage, schemaName string, schema json.RawMessage) (string, error)
}

// Tokenizer splits text into model tokens and joins them back.
type Tokenizer interface {
	Encode(text string, allowedSpecial, disallowedSpecial []string) []int
	Decode(tokens []int) string
}

// Result is a synthesized assistant answer.
type Result struct {
	Text       string
	References []domain.Reference
	// Grounded is false when no evidence was available and the fixed
	// uncertainty answer was returned without calling the generator.
	Grounded bool
}

type Synthesizer struct {
	gen              Generator
	maxHistoryTurns  int
	maxContextTokens int
	measure          measure
}

type Option func(*Synthesizer)

// WithMaxHistoryTurns bounds the number of prior turns sent to the generator.
func WithMaxHistoryTurns(n int) Option {
	return func(s *Synthesizer) {
		if n > 0 {
			s.maxHistoryTurns = n
		}
	}
}

// WithMaxContextTokens bounds the size of the rendered evidence.
func WithMaxContextTokens(n int) Option {
	return func(s *Synthesizer) {
		if n > 0 {
			s.maxContextTokens = n
		}
	}
}

// WithTokenizer measures the evidence budget in tokens instead of the
// character estimate.
func WithTokenizer(tok Tokenizer) Option {
	return func(s *Synthesizer) {
		if tok != nil {
			s.measure = tokenMeasure{tok: tok}
		}
	}
}

func New(gen Generator, opts ...Option) (*Synthesizer, error) {
	if gen == nil {
		return nil, errors.New("synth: generator must not be nil")
	}
	s := &Synthesizer{
		gen:              gen,
		maxHistoryTurns:  DefaultMaxHistoryTurns,
		maxContextTokens: DefaultMaxContextTokens,
		measure:          charMeasure{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Generate answers question from sources and the bounded tail of history.
// References only ever name sources that were part of the prompt. When
// sources carries no retrieval evidence the uncertainty answer is returned
// and the generator is not called.
func (s *Synthesizer) Generate(ctx context.Context, history []domain.Turn, question string, sources []domain.Source) (Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Result{}, errors.New("synth: question must not be empty")
	}
	if !grounded(sources) {
		return Result{Text: UncertaintyAnswer}, nil
	}

	contextText, included := formatContext(sources, s.measure.budget(s.maxContextTokens), s.measure)
	messages := buildPromptMessages(question, BoundHistory(history, s.maxHistoryTurns), contextText)

	raw, err := s.gen.CompleteJSON(ctx, messages, answerSchemaName, answerSchema)
	if err != nil {
		return Result{}, fmt.Errorf("synth: generate: %w", err)
	}

	answer, err := parseGroundedAnswer(raw)
	if err != nil {
		text := strings.TrimSpace(raw)
		if text == "" {
			return Result{}, fmt.Errorf("synth: empty generation: %w", err)
		}
		logging.From(ctx).Warn("generation did not follow the answer contract", "err", err)
		return Result{Text: text, References: citable(included, nil), Grounded: true}, nil
	}

	ids := answer.SourceIDs
	if ids == nil {
		ids = []string{}
	}
	return Result{
		Text:       strings.TrimSpace(answer.Answer),
		References: citable(included, ids),
		Grounded:   true,
	}, nil
}

// BoundHistory returns at most n of the most recent turns.
func BoundHistory(history []domain.Turn, n int) []domain.Turn {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

func grounded(sources []domain.Source) bool {
	for _, s := range sources {
		switch s.Kind {
		case domain.SourceGraph, domain.SourceVector, domain.SourceCatalog:
			return true
		}
	}
	return false
}

// citable returns the references for the included sources named by ids, in
// context order and unique by URL. A nil ids slice selects every source.
// Sources without a URL are never returned.
func citable(included []domain.Source, ids []string) []domain.Reference {
	var want map[string]bool
	if ids != nil {
		want = make(map[string]bool, len(ids))
		for _, id := range ids {
			want[strings.Trim(strings.TrimSpace(id), "[]")] = true
		}
	}

	seen := make(map[string]bool)
	var out []domain.Reference
	for _, src := range included {
		if src.URL == "" || seen[src.URL] {
			continue
		}
		if want != nil && !want[src.ID] {
			continue
		}
		seen[src.URL] = true
		title := strings.TrimSpace(src.Title)
		if title == "" {
			title = src.URL
		}
		out = append(out, domain.Reference{Title: title, URL: src.URL})
	}
	return out
}
