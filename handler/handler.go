package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"catalog-assistant/internal/catalog"
	"catalog-assistant/internal/domain"
	"catalog-assistant/internal/logging"
	"catalog-assistant/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 64 << 10
)

// ChatUseCase is the orchestrator surface served over HTTP.
type ChatUseCase interface {
	Chat(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
	Clear(ctx context.Context, sessionID string) error
}

// StatusFunc reports which collaborators are configured and reachable.
type StatusFunc func(ctx context.Context) map[string]bool

type Handler struct {
	chat   ChatUseCase
	status StatusFunc
}

func NewHandler(chat ChatUseCase, status StatusFunc) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat use case must not be nil")
	}
	return &Handler{chat: chat, status: status}, nil
}

type chatRequest struct {
	Query     string   `json:"query"`
	SessionID *string  `json:"session_id"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

type clearRequest struct {
	SessionID string `json:"session_id"`
}

type chatResponse struct {
	Response     string              `json:"response"`
	SessionID    string              `json:"session_id"`
	References   []domain.Reference  `json:"references"`
	Stores       []domain.StoreMatch `json:"stores,omitempty"`
	PurchaseLink string              `json:"purchase_link,omitempty"`
	ProductInfo  *productInfo        `json:"product_info,omitempty"`
}

type productInfo struct {
	Name        string `json:"name"`
	Category    string `json:"category,omitempty"`
	Brand       string `json:"brand,omitempty"`
	URL         string `json:"url,omitempty"`
	Description string `json:"description,omitempty"`
}

type clearResponse struct {
	SessionID string `json:"session_id"`
	Cleared   bool   `json:"cleared"`
}

type statusResponse struct {
	Status   string          `json:"status"`
	Services map[string]bool `json:"services"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Handle routes an API Gateway proxy request.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := logging.From(ctx).With("correlation_id", correlationID)
	ctx = logging.With(ctx, log)

	path := strings.TrimRight(req.Path, "/")
	method := strings.ToUpper(req.HTTPMethod)
	switch {
	case method == http.MethodPost && path == "/api/chat":
		return h.handleChat(ctx, req, correlationID), nil
	case method == http.MethodPost && path == "/api/chat/clear":
		return h.handleClearBody(ctx, req, correlationID), nil
	case path == "/api/chat/clear":
		return respondError(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST to clear by body", correlationID), nil
	case method == http.MethodDelete && strings.HasPrefix(path, "/api/chat/"):
		id := req.PathParameters["session_id"]
		if id == "" {
			id = strings.TrimPrefix(path, "/api/chat/")
		}
		if strings.Contains(id, "/") {
			return respondError(http.StatusNotFound, "NOT_FOUND", "route not found", correlationID), nil
		}
		return h.clear(ctx, id, correlationID), nil
	case method == http.MethodGet && path == "/api/status":
		return h.handleStatus(ctx, correlationID), nil
	default:
		return respondError(http.StatusNotFound, "NOT_FOUND", "route not found", correlationID), nil
	}
}

func (h *Handler) handleChat(ctx context.Context, req events.APIGatewayProxyRequest, correlationID string) events.APIGatewayProxyResponse {
	var body chatRequest
	if err := decodeBody(req.Body, &body); err != nil {
		logging.From(ctx).Warn("invalid chat request body", "err", err)
		return respondError(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "request body must be a JSON object with a query", correlationID)
	}
	in := usecase.ChatInput{Query: body.Query}
	if body.SessionID != nil {
		in.SessionID = *body.SessionID
	}
	switch {
	case body.Latitude != nil && body.Longitude != nil:
		in.Location = &domain.Location{Latitude: *body.Latitude, Longitude: *body.Longitude}
	case body.Latitude != nil || body.Longitude != nil:
		return respondError(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "latitude and longitude must be sent together", correlationID)
	}

	out, err := h.chat.Chat(ctx, in)
	if err != nil {
		return h.mapError(ctx, err, correlationID)
	}
	resp := chatResponse{
		Response:     out.Response,
		SessionID:    out.SessionID,
		References:   out.References,
		Stores:       out.Stores,
		PurchaseLink: out.PurchaseLink,
		ProductInfo:  toProductInfo(out.ProductInfo),
	}
	if resp.References == nil {
		resp.References = []domain.Reference{}
	}
	return respondJSON(http.StatusOK, resp, correlationID)
}

func (h *Handler) handleClearBody(ctx context.Context, req events.APIGatewayProxyRequest, correlationID string) events.APIGatewayProxyResponse {
	var body clearRequest
	if err := decodeBody(req.Body, &body); err != nil {
		return respondError(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "request body must be a JSON object with a session_id", correlationID)
	}
	return h.clear(ctx, body.SessionID, correlationID)
}

func (h *Handler) clear(ctx context.Context, sessionID, correlationID string) events.APIGatewayProxyResponse {
	if err := h.chat.Clear(ctx, sessionID); err != nil {
		return h.mapError(ctx, err, correlationID)
	}
	return respondJSON(http.StatusOK, clearResponse{SessionID: strings.TrimSpace(sessionID), Cleared: true}, correlationID)
}

func (h *Handler) handleStatus(ctx context.Context, correlationID string) events.APIGatewayProxyResponse {
	resp := statusResponse{Status: "ok", Services: map[string]bool{}}
	if h.status != nil {
		resp.Services = h.status(ctx)
	}
	for _, up := range resp.Services {
		if !up {
			resp.Status = "degraded"
			break
		}
	}
	return respondJSON(http.StatusOK, resp, correlationID)
}

func (h *Handler) mapError(ctx context.Context, err error, correlationID string) events.APIGatewayProxyResponse {
	log := logging.From(ctx)
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		log.Error("unexpected error", "err", err)
		return respondError(http.StatusInternalServerError, string(usecase.ErrorInternal), "internal error", correlationID)
	}

	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		log.Info("rejected request", "reason", ucErr.Reason)
		return respondError(http.StatusBadRequest, string(ucErr.Code), ucErr.Reason, correlationID)
	case usecase.ErrorCanceled:
		log.Info("request canceled", "reason", ucErr.Reason)
		return respondError(http.StatusRequestTimeout, string(ucErr.Code), "request canceled", correlationID)
	default:
		log.Error("request failed", "code", ucErr.Code, "reason", ucErr.Reason, "err", ucErr.Err)
		return respondError(http.StatusInternalServerError, string(usecase.ErrorInternal), "internal error", correlationID)
	}
}

func toProductInfo(p *catalog.Product) *productInfo {
	if p == nil {
		return nil
	}
	return &productInfo{
		Name:        p.Name,
		Category:    p.Category,
		Brand:       p.Brand,
		URL:         p.URL,
		Description: p.Description,
	}
}

func decodeBody(raw string, v any) error {
	if len(raw) > maxBodyBytes {
		return errors.New("body too large")
	}
	if strings.TrimSpace(raw) == "" {
		return errors.New("empty body")
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	return dec.Decode(v)
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func respondJSON(status int, body any, correlationID string) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		raw = []byte(`{"error":"INTERNAL_ERROR","message":"internal error"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(raw),
	}
}

func respondError(status int, code, message, correlationID string) events.APIGatewayProxyResponse {
	return respondJSON(status, errorResponse{Error: code, Message: message}, correlationID)
}
