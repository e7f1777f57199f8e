package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/weaviate/tiktoken-go"

	"catalog-assistant/handler"
	"catalog-assistant/internal/catalog"
	"catalog-assistant/internal/config"
	"catalog-assistant/internal/domain"
	"catalog-assistant/internal/graph"
	"catalog-assistant/internal/integrations/gemini"
	"catalog-assistant/internal/integrations/openai"
	"catalog-assistant/internal/integrations/paramstore"
	"catalog-assistant/internal/intent"
	"catalog-assistant/internal/logging"
	"catalog-assistant/internal/observability"
	"catalog-assistant/internal/repository"
	"catalog-assistant/internal/retry"
	"catalog-assistant/internal/session"
	"catalog-assistant/internal/stores"
	"catalog-assistant/internal/synth"
	"catalog-assistant/internal/usecase"
	"catalog-assistant/internal/vector"
)

const (
	openAIEmbeddingDims = 1536
	geminiEmbeddingDims = 3072
	statusPingTimeout   = 2 * time.Second
	retryJitter         = 0.2
	openAITokenEncoding = "cl100k_base"
)

// generator is what both generation providers offer.
type generator interface {
	Complete(ctx context.Context, messages []domain.ChatMessage) (string, error)
	CompleteJSON(ctx context.Context, messages []domain.ChatMessage, schemaName string, schema json.RawMessage) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// App holds the wired service and the resources it owns.
type App struct {
	Handler  *handler.Handler
	Chat     *usecase.ChatService
	Registry *prometheus.Registry
	Metrics  *observability.Metrics

	sessions session.Store
	memory   *session.MemoryStore
	cfg      config.Config
	closers  []func(context.Context) error
}

// Build wires every collaborator from cfg. Graph and vector backends that
// are not configured are replaced by lookups that always come back empty, so
// the assistant still answers from the catalog.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	log := logging.From(ctx)
	a := &App{cfg: cfg, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = observability.NewMetrics(cfg.MetricsNamespace, a.Registry)

	cat, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}

	var (
		ssmClient *paramstore.Client
		dynamo    *awsdynamodb.Client
	)
	if cfg.ParamPrefix != "" || cfg.StateTable != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("app: load AWS config: %w", err)
		}
		if cfg.ParamPrefix != "" {
			if ssmClient, err = paramstore.New(awsssm.NewFromConfig(awsCfg)); err != nil {
				return nil, fmt.Errorf("app: create SSM client: %w", err)
			}
		}
		if cfg.StateTable != "" {
			dynamo = awsdynamodb.NewFromConfig(awsCfg)
		}
	}
	var getter paramstore.Getter
	if ssmClient != nil {
		getter = ssmClient
	}

	gen, dims, err := buildGenerator(ctx, cfg, ssmClient)
	if err != nil {
		return nil, err
	}
	// The Gemini client has no cheap probe; a built client means its project
	// is configured.
	genUp := func(context.Context) bool { return cfg.GeminiProject != "" }
	if p, ok := gen.(pinger); ok {
		genUp = pingStatus(p)
	}

	var graphExec graph.Executor = emptyGraph{}
	graphUp := func(context.Context) bool { return false }
	if cfg.Neo4jURI != "" {
		password, err := paramstore.Secret(ctx, getter, cfg.ParamPrefix, "neo4j-password", cfg.Neo4jPassword)
		if err != nil {
			return nil, fmt.Errorf("app: read neo4j password: %w", err)
		}
		exec, err := graph.NewNeo4jExecutor(cfg.Neo4jURI, cfg.Neo4jUser, password, cfg.Neo4jDatabase)
		if err != nil {
			return nil, err
		}
		graphExec = exec
		graphUp = pingStatus(exec)
		a.closers = append(a.closers, exec.Close)
	} else {
		log.Warn("NEO4J_URI not set, graph lookups will always be empty")
	}
	graphClient, err := graph.NewClient(gen, graphExec, cat)
	if err != nil {
		return nil, err
	}

	var index vector.Index = emptyIndex{}
	vectorUp := func(context.Context) bool { return false }
	dbURL, err := paramstore.Secret(ctx, getter, cfg.ParamPrefix, "database-url", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("app: read database url: %w", err)
	}
	if dbURL != "" {
		pg, err := vector.NewPGIndex(ctx, dbURL, dims)
		if err != nil {
			return nil, err
		}
		index = pg
		vectorUp = pingStatus(pg)
		a.closers = append(a.closers, func(context.Context) error { pg.Close(); return nil })
	} else {
		log.Warn("DATABASE_URL not set, vector lookups will always be empty")
	}
	vectorClient, err := vector.NewClient(gen, index, cfg.VectorMinScore)
	if err != nil {
		return nil, err
	}

	locator, err := stores.NewLocator(cat, cfg.StoreRadiusKM)
	if err != nil {
		return nil, err
	}
	synthOpts := []synth.Option{
		synth.WithMaxHistoryTurns(cfg.MaxHistoryTurns),
		synth.WithMaxContextTokens(cfg.MaxContextTokens),
	}
	if cfg.GenerationProvider != config.ProviderGemini {
		if enc, err := tiktoken.GetEncoding(openAITokenEncoding); err != nil {
			log.Warn("token encoding unavailable, estimating context size from characters", "encoding", openAITokenEncoding, "err", err)
		} else {
			synthOpts = append(synthOpts, synth.WithTokenizer(enc))
		}
	}
	synthesizer, err := synth.New(gen, synthOpts...)
	if err != nil {
		return nil, err
	}

	if dynamo != nil {
		repo, err := repository.New(dynamo, cfg.StateTable, repository.WithTTL(cfg.SessionTTL))
		if err != nil {
			return nil, err
		}
		a.sessions = repo
	} else {
		mem := session.NewMemoryStore(cfg.SessionTTL)
		a.memory = mem
		a.sessions = mem
	}
	if n, ok := a.sessions.(usecase.ExpiryNotifier); ok {
		n.SetExpireHook(func(string) { a.Metrics.SessionClosed() })
	}

	a.Chat, err = usecase.NewChatService(usecase.Deps{
		Sessions: a.sessions,
		Locker:   session.NewLocker(),
		Intent:   intent.New(cat),
		Graph:    graphClient,
		Vector:   vectorClient,
		Stores:   locator,
		Synth:    synthesizer,
		Catalog:  cat,
		Metrics:  a.Metrics,
	}, usecase.Options{
		MaxQueryLength:           cfg.MaxQueryLength,
		VectorTopK:               cfg.VectorTopK,
		StoreLimit:               cfg.StoreLimit,
		GraphErrorAlertThreshold: cfg.GraphErrorAlertThreshold,
		GraphPolicy:              a.policy(cfg.GraphTimeout),
		VectorPolicy:             a.policy(cfg.VectorTimeout),
		GenerationPolicy:         a.policy(cfg.GenerationTimeout),
	})
	if err != nil {
		return nil, err
	}

	sessionsKind := "memory"
	if dynamo != nil {
		sessionsKind = "dynamodb"
	}
	a.Handler, err = handler.NewHandler(a.Chat, func(ctx context.Context) map[string]bool {
		return map[string]bool{
			"graph":      graphUp(ctx),
			"vector":     vectorUp(ctx),
			"generation": genUp(ctx),
			"catalog":    len(cat.Products()) > 0,
			"sessions":   true,
		}
	})
	if err != nil {
		return nil, err
	}

	log.Info("catalog assistant wired",
		"provider", cfg.GenerationProvider,
		"sessions", sessionsKind,
		"graph", cfg.Neo4jURI != "",
		"vector", dbURL != "",
		"products", len(cat.Products()),
	)
	return a, nil
}

// StartBackground runs the session janitor for the in-memory store until
// ctx is done. Persistent stores expire sessions on their own.
func (a *App) StartBackground(ctx context.Context) {
	if a.memory != nil {
		session.StartJanitor(ctx, a.memory, a.cfg.SessionSweepInterval)
	}
}

// Close releases backend connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) policy(attemptTimeout time.Duration) retry.Policy {
	return retry.Policy{
		MaxRetries:     a.cfg.MaxRetryAttempts,
		BaseDelay:      a.cfg.RetryBaseDelay,
		Jitter:         retryJitter,
		AttemptTimeout: attemptTimeout,
	}
}

func buildGenerator(ctx context.Context, cfg config.Config, ssmClient *paramstore.Client) (generator, int, error) {
	switch cfg.GenerationProvider {
	case config.ProviderGemini:
		c, err := gemini.New(ctx, cfg.GeminiProject, cfg.GeminiLocation,
			gemini.WithModel(cfg.GeminiModel),
			gemini.WithEmbeddingModel(cfg.GeminiEmbeddingModel),
		)
		if err != nil {
			return nil, 0, err
		}
		return c, geminiEmbeddingDims, nil
	default:
		var getter openai.Getter
		if ssmClient != nil {
			getter = ssmClient
		}
		c, err := openai.NewClient(getter, cfg.ParamPrefix,
			openai.WithAPIKey(cfg.OpenAIAPIKey),
			openai.WithBaseURL(cfg.OpenAIBaseURL),
			openai.WithModel(cfg.OpenAIModel),
			openai.WithEmbeddingModel(cfg.OpenAIEmbeddingModel),
		)
		if err != nil {
			return nil, 0, err
		}
		return c, openAIEmbeddingDims, nil
	}
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default(), nil
	}
	return catalog.Load(path)
}

func pingStatus(p pinger) func(context.Context) bool {
	return func(ctx context.Context) bool {
		ctx, cancel := context.WithTimeout(ctx, statusPingTimeout)
		defer cancel()
		return p.Ping(ctx) == nil
	}
}

// emptyGraph stands in for an unconfigured graph database.
type emptyGraph struct{}

func (emptyGraph) Run(context.Context, string, map[string]any) ([]domain.GraphNode, error) {
	return nil, nil
}

// emptyIndex stands in for an unconfigured vector index.
type emptyIndex struct{}

func (emptyIndex) Search(context.Context, []float32, int) ([]vector.Hit, error) {
	return nil, nil
}
