package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"catalog-assistant/internal/observability"
)

const maxRequestBytes = 1 << 20

// ProxyHandler is the API Gateway style handler shared with the Lambda entry
// point.
type ProxyHandler interface {
	Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error)
}

type Server struct {
	api      ProxyHandler
	gatherer prometheus.Gatherer
	started  time.Time
}

func New(api ProxyHandler, gatherer prometheus.Gatherer) *Server {
	return &Server{api: api, gatherer: gatherer, started: time.Now()}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler(s.gatherer).ServeHTTP(w, r)
	})

	r.Post("/api/chat", s.proxy)
	r.Post("/api/chat/clear", s.proxy)
	r.Delete("/api/chat/{session_id}", s.proxy)
	r.Get("/api/status", s.proxy)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started) / time.Second),
	})
}

// proxy converts r into a proxy event, runs the shared handler and writes
// its response.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	ev := events.APIGatewayProxyRequest{
		HTTPMethod:            r.Method,
		Path:                  r.URL.Path,
		Headers:               make(map[string]string, len(r.Header)),
		QueryStringParameters: make(map[string]string, len(r.URL.Query())),
		Body:                  string(body),
	}
	for k := range r.Header {
		ev.Headers[k] = r.Header.Get(k)
	}
	for k := range r.URL.Query() {
		ev.QueryStringParameters[k] = r.URL.Query().Get(k)
	}
	if id := chi.URLParam(r, "session_id"); id != "" {
		ev.PathParameters = map[string]string{"session_id": id}
	}

	resp, err := s.api.Handle(r.Context(), ev)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.WriteString(w, resp.Body)
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
