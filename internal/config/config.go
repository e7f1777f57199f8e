package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the catalog assistant.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	LogLevel         string
	LogFormat        string
	MetricsNamespace string

	SessionTTL           time.Duration
	SessionSweepInterval time.Duration
	StateTable           string
	ParamPrefix          string

	GenerationProvider   string
	OpenAIBaseURL        string
	OpenAIModel          string
	OpenAIEmbeddingModel string
	OpenAIAPIKey         string
	GeminiProject        string
	GeminiLocation       string
	GeminiModel          string
	GeminiEmbeddingModel string

	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string
	Neo4jDatabase string
	DatabaseURL   string
	CatalogPath   string

	MaxRetryAttempts  int
	RetryBaseDelay    time.Duration
	GraphTimeout      time.Duration
	VectorTimeout     time.Duration
	GenerationTimeout time.Duration

	VectorTopK               int
	VectorMinScore           float64
	MaxHistoryTurns          int
	MaxContextTokens         int
	MaxQueryLength           int
	StoreRadiusKM            float64
	StoreLimit               int
	GraphErrorAlertThreshold int
}

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Load reads environment variables and applies defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		LogLevel:             envOrDefault("LOG_LEVEL", "info"),
		LogFormat:            envOrDefault("LOG_FORMAT", "json"),
		MetricsNamespace:     envOrDefault("METRICS_NAMESPACE", "catalog_assistant"),
		StateTable:           trimmedEnv("STATE_TABLE"),
		ParamPrefix:          strings.TrimRight(trimmedEnv("PARAM_PREFIX"), "/"),
		GenerationProvider:   strings.ToLower(envOrDefault("GENERATION_PROVIDER", ProviderOpenAI)),
		OpenAIBaseURL:        envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:          envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIEmbeddingModel: envOrDefault("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
		OpenAIAPIKey:         trimmedEnv("OPENAI_API_KEY"),
		GeminiProject:        trimmedEnv("GEMINI_PROJECT"),
		GeminiLocation:       envOrDefault("GEMINI_LOCATION", "us-central1"),
		GeminiModel:          envOrDefault("GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiEmbeddingModel: envOrDefault("GEMINI_EMBEDDING_MODEL", "gemini-embedding-001"),
		Neo4jURI:             trimmedEnv("NEO4J_URI"),
		Neo4jUser:            envOrDefault("NEO4J_USER", "neo4j"),
		Neo4jPassword:        trimmedEnv("NEO4J_PASSWORD"),
		Neo4jDatabase:        envOrDefault("NEO4J_DATABASE", "neo4j"),
		DatabaseURL:          trimmedEnv("DATABASE_URL"),
		CatalogPath:          trimmedEnv("CATALOG_PATH"),

		ShutdownTimeout:          15 * time.Second,
		SessionTTL:               30 * time.Minute,
		SessionSweepInterval:     time.Minute,
		MaxRetryAttempts:         2,
		RetryBaseDelay:           500 * time.Millisecond,
		GraphTimeout:             5 * time.Second,
		VectorTimeout:            5 * time.Second,
		GenerationTimeout:        20 * time.Second,
		VectorTopK:               5,
		MaxHistoryTurns:          10,
		MaxContextTokens:         3000,
		MaxQueryLength:           500,
		StoreRadiusKM:            20,
		StoreLimit:               3,
		GraphErrorAlertThreshold: 3,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"SESSION_TTL", &cfg.SessionTTL},
		{"SESSION_SWEEP_INTERVAL", &cfg.SessionSweepInterval},
		{"RETRY_BASE_DELAY", &cfg.RetryBaseDelay},
		{"GRAPH_TIMEOUT", &cfg.GraphTimeout},
		{"VECTOR_TIMEOUT", &cfg.VectorTimeout},
		{"GENERATION_TIMEOUT", &cfg.GenerationTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_RETRY_ATTEMPTS", &cfg.MaxRetryAttempts},
		{"VECTOR_TOP_K", &cfg.VectorTopK},
		{"MAX_HISTORY_TURNS", &cfg.MaxHistoryTurns},
		{"MAX_CONTEXT_TOKENS", &cfg.MaxContextTokens},
		{"MAX_QUERY_LENGTH", &cfg.MaxQueryLength},
		{"STORE_LIMIT", &cfg.StoreLimit},
		{"GRAPH_ERROR_ALERT_THRESHOLD", &cfg.GraphErrorAlertThreshold},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}

	if cfg.StoreRadiusKM, err = floatFromEnv("STORE_RADIUS_KM", cfg.StoreRadiusKM); err != nil {
		return Config{}, err
	}
	if cfg.VectorMinScore, err = floatFromEnv("VECTOR_MIN_SCORE", cfg.VectorMinScore); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionTTL < time.Minute {
		return fmt.Errorf("SESSION_TTL must be at least 1m")
	}
	if c.SessionSweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be positive")
	}
	if c.MaxRetryAttempts < 0 {
		return fmt.Errorf("MAX_RETRY_ATTEMPTS must be >= 0")
	}
	if c.RetryBaseDelay < 0 {
		return fmt.Errorf("RETRY_BASE_DELAY must be >= 0")
	}
	if c.GraphTimeout <= 0 || c.VectorTimeout <= 0 || c.GenerationTimeout <= 0 {
		return fmt.Errorf("service timeouts must be positive")
	}
	if c.VectorTopK <= 0 {
		return fmt.Errorf("VECTOR_TOP_K must be positive")
	}
	if c.VectorMinScore < 0 || c.VectorMinScore > 1 {
		return fmt.Errorf("VECTOR_MIN_SCORE must be within [0,1]")
	}
	if c.MaxHistoryTurns <= 0 {
		return fmt.Errorf("MAX_HISTORY_TURNS must be positive")
	}
	if c.MaxContextTokens <= 0 {
		return fmt.Errorf("MAX_CONTEXT_TOKENS must be positive")
	}
	if c.MaxQueryLength <= 0 {
		return fmt.Errorf("MAX_QUERY_LENGTH must be positive")
	}
	if c.StoreRadiusKM <= 0 {
		return fmt.Errorf("STORE_RADIUS_KM must be positive")
	}
	if c.StoreLimit <= 0 {
		return fmt.Errorf("STORE_LIMIT must be positive")
	}
	switch c.GenerationProvider {
	case ProviderOpenAI:
	case ProviderGemini:
		if c.GeminiProject == "" {
			return fmt.Errorf("GEMINI_PROJECT is required when GENERATION_PROVIDER=gemini")
		}
	default:
		return fmt.Errorf("GENERATION_PROVIDER must be %q or %q", ProviderOpenAI, ProviderGemini)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := trimmedEnv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}
