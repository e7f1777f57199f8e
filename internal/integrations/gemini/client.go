// Package gemini adapts Google GenAI (Vertex AI) to the generator and
// embedder contracts used by the retrieval clients and the synthesizer.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"catalog-assistant/internal/domain"
)

const (
	defaultModel          = "gemini-2.5-flash"
	defaultEmbeddingModel = "gemini-embedding-001"
)

// models is the subset of *genai.Models used by Client.
type models interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

type Client struct {
	models         models
	model          string
	embeddingModel string
}

type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.model = m
		}
	}
}

func WithEmbeddingModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.embeddingModel = m
		}
	}
}

// New creates a Vertex AI backed client.
func New(ctx context.Context, projectID, location string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, errors.New("gemini: project id must not be empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return newClient(client.Models, opts...), nil
}

func newClient(m models, opts ...Option) *Client {
	c := &Client{
		models:         m,
		model:          defaultModel,
		embeddingModel: defaultEmbeddingModel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete returns the plain-text completion for messages.
func (c *Client) Complete(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	contents, config, err := toContents(messages)
	if err != nil {
		return "", err
	}
	return c.generate(ctx, contents, config)
}

// CompleteJSON returns a completion constrained to the given JSON schema.
func (c *Client) CompleteJSON(ctx context.Context, messages []domain.ChatMessage, _ string, schema json.RawMessage) (string, error) {
	contents, config, err := toContents(messages)
	if err != nil {
		return "", err
	}
	s, err := toSchema(schema)
	if err != nil {
		return "", err
	}
	config.ResponseMIMEType = "application/json"
	config.ResponseSchema = s
	return c.generate(ctx, contents, config)
}

func (c *Client) generate(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (string, error) {
	resp, err := c.models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini: generate content: %w", classify(err))
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", errors.New("gemini: no candidates in response")
	}
	return resp.Text(), nil
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("gemini: embedding input must not be empty")
	}
	resp, err := c.models.EmbedContent(ctx, c.embeddingModel, genai.Text(text), &genai.EmbedContentConfig{})
	if err != nil {
		return nil, fmt.Errorf("gemini: embed content: %w", classify(err))
	}
	if resp == nil || len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, errors.New("gemini: no embedding in response")
	}
	return resp.Embeddings[0].Values, nil
}

func toContents(messages []domain.ChatMessage) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	if len(messages) == 0 {
		return nil, nil, errors.New("gemini: messages must not be empty")
	}
	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, m.Content)
		case domain.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(contents) == 0 {
		return nil, nil, errors.New("gemini: no user content")
	}
	config := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		config.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), "")
	}
	return contents, config, nil
}

// jsonSchema is the subset of JSON Schema the synthesizer emits.
type jsonSchema struct {
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Properties  map[string]*jsonSchema `json:"properties"`
	Items       *jsonSchema            `json:"items"`
	Required    []string               `json:"required"`
}

func toSchema(raw json.RawMessage) (*genai.Schema, error) {
	if len(raw) == 0 {
		return nil, errors.New("gemini: schema must not be empty")
	}
	var s jsonSchema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("gemini: decode schema: %w", err)
	}
	return s.toGenai(), nil
}

func (s *jsonSchema) toGenai() *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Description: s.Description,
		Required:    s.Required,
	}
	switch s.Type {
	case "object":
		out.Type = genai.TypeObject
	case "array":
		out.Type = genai.TypeArray
	case "number":
		out.Type = genai.TypeNumber
	case "integer":
		out.Type = genai.TypeInteger
	case "boolean":
		out.Type = genai.TypeBoolean
	default:
		out.Type = genai.TypeString
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, p := range s.Properties {
			out.Properties[name] = p.toGenai()
		}
	}
	out.Items = s.Items.toGenai()
	return out
}

// StatusError exposes the upstream HTTP status of a GenAI API failure.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string { return e.Err.Error() }

func (e *StatusError) Unwrap() error { return e.Err }

func (e *StatusError) HTTPStatusCode() int { return e.Code }

func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return &StatusError{Code: apiErr.Code, Err: err}
	}
	return err
}
