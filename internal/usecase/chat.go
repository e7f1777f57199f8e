package usecase

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"catalog-assistant/internal/catalog"
	"catalog-assistant/internal/domain"
	"catalog-assistant/internal/graph"
	"catalog-assistant/internal/logging"
	"catalog-assistant/internal/observability"
	"catalog-assistant/internal/retry"
	"catalog-assistant/internal/session"
	"catalog-assistant/internal/synth"
)

const (
	defaultMaxQueryLength    = 500
	defaultVectorTopK        = 5
	defaultStoreLimit        = 3
	defaultGraphErrThreshold = 3
)

// FailureAnswer is shown when a turn cannot be answered at all.
const FailureAnswer = "I'm sorry, I'm having trouble answering right now. Please try again in a moment."

type IntentClassifier interface {
	Classify(text, lastAssistant string) domain.IntentSignal
}

type GraphRetriever interface {
	Query(ctx context.Context, question string, conversation []domain.Turn) (graph.Result, error)
}

type VectorRetriever interface {
	Search(ctx context.Context, question string, topK int) ([]domain.Snippet, error)
}

type StoreLocator interface {
	FindNearby(ctx context.Context, loc domain.Location, product string, limit int) ([]domain.StoreMatch, error)
}

type Synthesizer interface {
	Generate(ctx context.Context, history []domain.Turn, question string, sources []domain.Source) (synth.Result, error)
}

// ProductCatalog answers structured catalog questions and resolves product
// details.
type ProductCatalog interface {
	Answer(question string) (string, bool)
	FindProduct(name string) (catalog.Product, bool)
}

// Deps are the collaborators of ChatService. Stores, Catalog and Metrics are
// optional.
type Deps struct {
	Sessions session.Store
	Locker   *session.Locker
	Intent   IntentClassifier
	Graph    GraphRetriever
	Vector   VectorRetriever
	Stores   StoreLocator
	Synth    Synthesizer
	Catalog  ProductCatalog
	Metrics  *observability.Metrics
}

// Options tune ChatService. Zero values select defaults.
type Options struct {
	MaxQueryLength           int
	VectorTopK               int
	StoreLimit               int
	GraphErrorAlertThreshold int

	GraphPolicy      retry.Policy
	VectorPolicy     retry.Policy
	GenerationPolicy retry.Policy
}

// ChatService runs one conversational turn through graph and vector
// retrieval, optional store lookup and response synthesis.
type ChatService struct {
	sessions session.Store
	locker   *session.Locker
	intent   IntentClassifier
	graph    GraphRetriever
	vector   VectorRetriever
	stores   StoreLocator
	synth    Synthesizer
	catalog  ProductCatalog
	metrics  *observability.Metrics
	opts     Options
	now      func() time.Time

	// countSessions is set only for stores that report expiry.
	countSessions bool
	graphErrors   atomic.Int64
}

// ExpiryNotifier is implemented by session stores that report expired
// sessions to a hook.
type ExpiryNotifier interface {
	SetExpireHook(hook func(id string))
}

type ChatInput struct {
	Query     string
	SessionID string
	Location  *domain.Location
}

type ChatOutput struct {
	Response     string
	SessionID    string
	References   []domain.Reference
	Stores       []domain.StoreMatch
	PurchaseLink string
	ProductInfo  *catalog.Product
	// Trace lists the states the turn passed through, START first.
	Trace []State
}

func NewChatService(d Deps, o Options) (*ChatService, error) {
	if d.Sessions == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if d.Intent == nil {
		return nil, errors.New("usecase: intent classifier must not be nil")
	}
	if d.Graph == nil {
		return nil, errors.New("usecase: graph retriever must not be nil")
	}
	if d.Vector == nil {
		return nil, errors.New("usecase: vector retriever must not be nil")
	}
	if d.Synth == nil {
		return nil, errors.New("usecase: synthesizer must not be nil")
	}
	if d.Locker == nil {
		d.Locker = session.NewLocker()
	}
	if o.MaxQueryLength <= 0 {
		o.MaxQueryLength = defaultMaxQueryLength
	}
	if o.VectorTopK <= 0 {
		o.VectorTopK = defaultVectorTopK
	}
	if o.StoreLimit <= 0 {
		o.StoreLimit = defaultStoreLimit
	}
	if o.GraphErrorAlertThreshold <= 0 {
		o.GraphErrorAlertThreshold = defaultGraphErrThreshold
	}
	_, countSessions := d.Sessions.(ExpiryNotifier)
	return &ChatService{
		sessions: d.Sessions,
		locker:   d.Locker,
		intent:   d.Intent,
		graph:    d.Graph,
		vector:   d.Vector,
		stores:   d.Stores,
		synth:    d.Synth,
		catalog:  d.Catalog,
		metrics:  d.Metrics,
		opts:     o,
		now:      func() time.Time { return time.Now().UTC() },

		countSessions: countSessions,
	}, nil
}

// Chat answers one user message. The user and assistant turns are appended
// to the session only once the turn reaches a terminal state and the caller
// is still waiting for it.
func (s *ChatService) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	started := s.now()
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return ChatOutput{}, newError(ErrorInvalidInput, "empty_query", nil)
	}
	if utf8.RuneCountInString(query) > s.opts.MaxQueryLength {
		return ChatOutput{}, newError(ErrorInvalidInput, "query_too_long", nil)
	}
	if in.Location != nil && !validLocation(*in.Location) {
		return ChatOutput{}, newError(ErrorInvalidInput, "invalid_location", nil)
	}

	sess, unlock, err := s.acquireSession(ctx, strings.TrimSpace(in.SessionID))
	if err != nil {
		return ChatOutput{}, err
	}
	defer unlock()

	log := logging.From(ctx).With("session_id", sess.ID)
	ctx = logging.With(ctx, log)

	if in.Location != nil {
		loc := *in.Location
		if err := s.sessions.SetLocation(ctx, sess.ID, loc); err != nil {
			log.Warn("failed to record session location", "err", err)
		}
		sess.LastKnownLocation = &loc
	}

	t := &turn{question: query, session: sess}
	s.run(ctx, t)

	if ctx.Err() != nil {
		s.metrics.ObserveTurn("canceled", s.now().Sub(started))
		log.Info("turn canceled, transcript unchanged", "trace", t.trace)
		return ChatOutput{}, newError(ErrorCanceled, "request_canceled", ctx.Err())
	}

	text, refs := t.answer()
	now := s.now()
	user := domain.Turn{
		Role:           domain.RoleUser,
		Text:           query,
		PurchaseSignal: t.signal.HasPurchaseIntent,
		Timestamp:      now,
	}
	assistant := domain.Turn{
		Role:           domain.RoleAssistant,
		Text:           text,
		References:     refs,
		Stores:         t.stores,
		PurchaseSignal: t.signal.HasPurchaseIntent,
		Timestamp:      now,
	}
	if _, err := s.sessions.Append(ctx, sess.ID, user, assistant); err != nil {
		s.metrics.ObserveTurn("error", s.now().Sub(started))
		return ChatOutput{}, newError(ErrorInternal, "session_append_error", err)
	}

	outcome := "done"
	if t.last() == StateFailed {
		outcome = "failed"
	}
	s.metrics.ObserveTurn(outcome, s.now().Sub(started))
	log.Info("turn completed", "outcome", outcome, "trace", t.trace, "references", len(refs), "stores", len(t.stores))

	out := ChatOutput{
		Response:   text,
		SessionID:  sess.ID,
		References: refs,
		Stores:     t.stores,
		Trace:      t.trace,
	}
	s.attachProduct(&out, t.signal)
	return out, nil
}

// Clear resets the session transcript to the greeting. Clearing an unknown
// session succeeds.
func (s *ChatService) Clear(ctx context.Context, sessionID string) error {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return newError(ErrorInvalidInput, "empty_session_id", nil)
	}
	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return newError(ErrorCanceled, "request_canceled", err)
	}
	defer unlock()

	if err := s.sessions.Clear(ctx, id); err != nil && !errors.Is(err, session.ErrNotFound) {
		return newError(ErrorInternal, "session_clear_error", err)
	}
	logging.From(ctx).Info("session cleared", "session_id", id)
	return nil
}

// acquireSession locks and loads the session named by id. A missing or
// expired id silently starts a new session.
func (s *ChatService) acquireSession(ctx context.Context, id string) (domain.Session, func(), error) {
	if id != "" {
		unlock, err := s.locker.Lock(ctx, id)
		if err != nil {
			return domain.Session{}, nil, newError(ErrorCanceled, "request_canceled", err)
		}
		sess, err := s.sessions.Get(ctx, id)
		if err == nil {
			return sess, unlock, nil
		}
		unlock()
		if !errors.Is(err, session.ErrNotFound) {
			return domain.Session{}, nil, newError(ErrorInternal, "session_load_error", err)
		}
		logging.From(ctx).Info("unknown session id, starting a new session", "stale_session_id", id)
	}

	sess, err := s.sessions.Create(ctx)
	if err != nil {
		return domain.Session{}, nil, newError(ErrorInternal, "session_create_error", err)
	}
	if s.countSessions {
		s.metrics.SessionOpened()
	}
	unlock, err := s.locker.Lock(ctx, sess.ID)
	if err != nil {
		return domain.Session{}, nil, newError(ErrorCanceled, "request_canceled", err)
	}
	return sess, unlock, nil
}

func (s *ChatService) attachProduct(out *ChatOutput, sig domain.IntentSignal) {
	if s.catalog == nil || !sig.HasPurchaseIntent || sig.CandidateProduct == "" {
		return
	}
	p, ok := s.catalog.FindProduct(sig.CandidateProduct)
	if !ok {
		return
	}
	out.PurchaseLink = p.PurchaseLink
	out.ProductInfo = &p
}

func validLocation(loc domain.Location) bool {
	return loc.Latitude >= -90 && loc.Latitude <= 90 && loc.Longitude >= -180 && loc.Longitude <= 180
}
