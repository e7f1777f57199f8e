package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"catalog-assistant/internal/domain"
)

const (
	defaultBaseURL        = "https://api.openai.com/v1"
	defaultModel          = "gpt-4o-mini"
	defaultEmbeddingModel = "text-embedding-3-small"
)

// chatRequest is the minimal request shape for the Chat Completions endpoint.
type chatRequest struct {
	Model          string               `json:"model"`
	Messages       []domain.ChatMessage `json:"messages"`
	Temperature    *float64             `json:"temperature,omitempty"`
	ResponseFormat *responseFormat      `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string           `json:"type"`
	JSONSchema jsonSchemaConfig `json:"json_schema"`
}

type jsonSchemaConfig struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

// chatResponse is the minimal response shape returned by the Chat Completions endpoint.
type chatResponse struct {
	Choices []struct {
		Index   int                `json:"index"`
		Message domain.ChatMessage `json:"message"`
	} `json:"choices"`
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused OpenAI-compatible client for chat completions and
// embeddings.
type Client struct {
	baseURL        string
	model          string
	embeddingModel string
	temperature    *float64
	httpClient     *http.Client
	getter         Getter
	paramPrefix    string

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

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

func WithTemperature(t float64) Option {
	return func(c *Client) {
		c.temperature = &t
	}
}

// WithAPIKey sets the key directly instead of reading it from SSM.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		if k := strings.TrimSpace(key); k != "" {
			c.apiKey = k
			c.keyOnce.Do(func() {})
		}
	}
}

// NewClient creates a new Client. Unless WithAPIKey is given, the key is
// fetched from SSM under paramPrefix on first use and reused for the
// lifetime of the process.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:        defaultBaseURL,
		model:          defaultModel,
		embeddingModel: defaultEmbeddingModel,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		getter:         ps,
		paramPrefix:    strings.TrimRight(strings.TrimSpace(paramPrefix), "/"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.apiKey == "" {
		if ps == nil {
			return nil, errors.New("openai: paramstore getter must not be nil without an API key")
		}
		if c.paramPrefix == "" {
			return nil, errors.New("openai: parameter prefix must not be empty")
		}
	}
	return c, nil
}

// resolveAPIKey fetches the API key from SSM on the first call and returns the
// cached result on every subsequent call within the same process lifetime.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = fetchAPIKeyFromParamStore(ctx, c.getter, c.tokenParameterName())
	})
	return c.apiKey, c.keyErr
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

// resolvedHTTPClient returns the configured HTTP client, or a default if none
// was set.
func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func endpointURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + path
	}
	return base + "/v1" + path
}

func chatURL(baseURL string) string {
	return endpointURL(baseURL, "/chat/completions")
}

func embeddingsURL(baseURL string) string {
	return endpointURL(baseURL, "/embeddings")
}

func modelsURL(baseURL string) string {
	return endpointURL(baseURL, "/models")
}

// Complete returns the plain-text completion for messages.
func (c *Client) Complete(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	return c.chat(ctx, messages, nil)
}

// CompleteJSON returns a completion constrained to the given JSON schema.
func (c *Client) CompleteJSON(ctx context.Context, messages []domain.ChatMessage, schemaName string, schema json.RawMessage) (string, error) {
	if len(schema) == 0 {
		return "", errors.New("openai: schema must not be empty")
	}
	return c.chat(ctx, messages, &responseFormat{
		Type: "json_schema",
		JSONSchema: jsonSchemaConfig{
			Name:   schemaName,
			Strict: true,
			Schema: schema,
		},
	})
}

func (c *Client) chat(ctx context.Context, messages []domain.ChatMessage, format *responseFormat) (string, error) {
	if len(messages) == 0 {
		return "", errors.New("openai: messages must not be empty")
	}
	raw, err := c.postJSON(ctx, chatURL(c.baseURL), chatRequest{
		Model:          c.model,
		Messages:       messages,
		Temperature:    c.temperature,
		ResponseFormat: format,
	})
	if err != nil {
		return "", err
	}

	var payload chatResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return "", fmt.Errorf("openai: decode response: %w", decErr)
	}
	if len(payload.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return payload.Choices[0].Message.Content, nil
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("openai: embedding input must not be empty")
	}
	raw, err := c.postJSON(ctx, embeddingsURL(c.baseURL), embeddingRequest{Model: c.embeddingModel, Input: text})
	if err != nil {
		return nil, err
	}

	var payload embeddingResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return nil, fmt.Errorf("openai: decode embedding response: %w", decErr)
	}
	if len(payload.Data) == 0 || len(payload.Data[0].Embedding) == 0 {
		return nil, errors.New("openai: no embedding in response")
	}
	return payload.Data[0].Embedding, nil
}

// Ping resolves the API key and lists the available models.
func (c *Client) Ping(ctx context.Context) error {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return err
	}
	url := modelsURL(c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if _, err := c.doJSONRequest(req, url); err != nil {
		return fmt.Errorf("openai: ping: %w", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, url string, body any) ([]byte, error) {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}

	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if reqErr != nil {
		return nil, fmt.Errorf("openai: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	return raw, nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("openai: API token is empty")
	}
	return tp.Token, nil
}
