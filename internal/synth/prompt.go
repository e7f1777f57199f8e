package synth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"catalog-assistant/internal/domain"
)

const answerSchemaName = "grounded_answer"

var answerSchema = json.RawMessage(`{"type":"object","properties":{"answer":{"type":"string","description":"Final user-facing answer."},"source_ids":{"type":"array","items":{"type":"string"},"description":"Ids of the context sources the answer relies on."}},"required":["answer","source_ids"],"additionalProperties":false}`)

type groundedAnswer struct {
	Answer    string   `json:"answer"`
	SourceIDs []string `json:"source_ids"`
}

func buildPromptMessages(question string, history []domain.Turn, contextText string) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: buildPolicyPrompt()},
		{Role: domain.RoleSystem, Content: "Context:\n\n" + contextText},
	}
	for _, t := range history {
		if m, ok := turnToPromptMessage(t); ok {
			messages = append(messages, m)
		}
	}
	return append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: question})
}

func buildPolicyPrompt() string {
	return strings.Join([]string{
		"Role:",
		"You are a helpful assistant answering questions about products in our catalog.",
		"",
		"Task:",
		"Answer the current user question using only the context sources provided in this request.",
		"",
		"Behavior Rules:",
		behaviorRules(),
		"",
		"Output Contract:",
		outputContract(),
	}, "\n")
}

func behaviorRules() string {
	return strings.Join([]string{
		"1) Answer only the current user question in this request.",
		"2) Use the context sources and the prior conversation; do not use outside knowledge about specific products.",
		"3) Keep responses friendly and concise.",
		"4) If the context does not contain the answer, say you are not sure instead of guessing.",
		"5) When nearby stores are listed in the context, mention them by name and distance.",
		"6) Never mention source ids such as [S1] in the answer text.",
	}, "\n")
}

func outputContract() string {
	return "Return JSON only with keys answer (string) and source_ids (array of strings). " +
		"source_ids lists the ids of the context sources the answer relies on, for example [\"S1\",\"S3\"]. " +
		"Only use ids that appear in the context. Return an empty array when no source was used."
}

func turnToPromptMessage(t domain.Turn) (domain.ChatMessage, bool) {
	text := strings.TrimSpace(t.Text)
	if text == "" {
		return domain.ChatMessage{}, false
	}
	switch t.Role {
	case domain.RoleUser, domain.RoleAssistant:
		return domain.ChatMessage{Role: t.Role, Content: text}, true
	default:
		return domain.ChatMessage{}, false
	}
}

// formatContext renders sources as "--- [id] title ---" blocks until the
// budget is spent. The block that crosses the budget is cut and every later
// source is dropped. It returns the rendered text and the sources that made
// it in.
func formatContext(sources []domain.Source, budget int, m measure) (string, []domain.Source) {
	var (
		b    strings.Builder
		used int
	)
	included := make([]domain.Source, 0, len(sources))
	for _, s := range sources {
		remaining := budget - used
		if remaining <= 0 {
			break
		}
		block := formatSource(s)
		size := m.size(block)
		if size > remaining {
			block = m.cut(block, remaining)
			size = remaining
		}
		b.WriteString(block)
		used += size
		included = append(included, s)
	}
	return strings.TrimSpace(b.String()), included
}

// measure sizes rendered evidence against the context budget.
type measure interface {
	budget(tokens int) int
	size(s string) int
	cut(s string, n int) string
}

type charMeasure struct{}

func (charMeasure) budget(tokens int) int      { return tokens * charsPerToken }
func (charMeasure) size(s string) int          { return len(s) }
func (charMeasure) cut(s string, n int) string { return truncate(s, n) }

type tokenMeasure struct {
	tok Tokenizer
}

func (m tokenMeasure) budget(tokens int) int { return tokens }
func (m tokenMeasure) size(s string) int     { return len(m.tok.Encode(s, nil, nil)) }

func (m tokenMeasure) cut(s string, n int) string {
	tokens := m.tok.Encode(s, nil, nil)
	if len(tokens) <= n {
		return s
	}
	return m.tok.Decode(tokens[:n])
}

func formatSource(s domain.Source) string {
	var b strings.Builder
	title := strings.TrimSpace(s.Title)
	if title == "" {
		title = "Untitled"
	}
	fmt.Fprintf(&b, "--- [%s] %s ---\n", s.ID, title)
	if s.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", s.URL)
	}
	b.WriteString(strings.TrimSpace(s.Content))
	b.WriteString("\n\n")
	return b.String()
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func parseGroundedAnswer(raw string) (groundedAnswer, error) {
	var out groundedAnswer
	dec := json.NewDecoder(bytes.NewBufferString(stripFences(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return groundedAnswer{}, fmt.Errorf("synth: decode answer: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return groundedAnswer{}, errors.New("synth: decode answer: multiple JSON values")
		}
		return groundedAnswer{}, fmt.Errorf("synth: decode answer trailing data: %w", err)
	}
	if strings.TrimSpace(out.Answer) == "" {
		return groundedAnswer{}, errors.New("synth: answer is empty")
	}
	return out, nil
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
