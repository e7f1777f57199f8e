package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"catalog-assistant/internal/catalog"
	"catalog-assistant/internal/domain"
	"catalog-assistant/internal/graph"
	"catalog-assistant/internal/integrations/openai"
	"catalog-assistant/internal/intent"
	"catalog-assistant/internal/observability"
	"catalog-assistant/internal/retry"
	"catalog-assistant/internal/session"
	"catalog-assistant/internal/synth"
)

type mockGraph struct {
	mu     sync.Mutex
	calls  int
	nodes  []domain.GraphNode
	errs   []error
	lastQ  string
	turnsN int
}

func (m *mockGraph) Query(_ context.Context, question string, conversation []domain.Turn) (graph.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastQ = question
	m.turnsN = len(conversation)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return graph.Result{}, err
		}
	}
	return graph.Result{Nodes: m.nodes}, nil
}

type mockVector struct {
	mu       sync.Mutex
	calls    int
	snippets []domain.Snippet
	err      error
}

func (m *mockVector) Search(_ context.Context, _ string, _ int) ([]domain.Snippet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.snippets, m.err
}

type mockLocator struct {
	calls   int
	product string
	matches []domain.StoreMatch
	err     error
}

func (m *mockLocator) FindNearby(_ context.Context, _ domain.Location, product string, _ int) ([]domain.StoreMatch, error) {
	m.calls++
	m.product = product
	return m.matches, m.err
}

type mockSynth struct {
	mu      sync.Mutex
	calls   int
	sources []domain.Source
	result  synth.Result
	err     error
	hook    func(ctx context.Context, question string) error
}

func (m *mockSynth) Generate(ctx context.Context, _ []domain.Turn, question string, sources []domain.Source) (synth.Result, error) {
	m.mu.Lock()
	m.calls++
	m.sources = sources
	hook := m.hook
	m.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, question); err != nil {
			return synth.Result{}, err
		}
	}
	if m.err != nil {
		return synth.Result{}, m.err
	}
	res := m.result
	if res.Text == "" {
		res = synth.Result{Text: "answer to " + question, Grounded: true}
	}
	return res, nil
}

type fakeGenerator struct {
	reply string
	calls int
}

func (f *fakeGenerator) CompleteJSON(_ context.Context, _ []domain.ChatMessage, _ string, _ json.RawMessage) (string, error) {
	f.calls++
	return f.reply, nil
}

type fixture struct {
	svc      *ChatService
	sessions *session.MemoryStore
	graph    *mockGraph
	vector   *mockVector
	stores   *mockLocator
	synth    *mockSynth
	metrics  *observability.Metrics
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	cat := catalog.Default()
	f := &fixture{
		sessions: session.NewMemoryStore(30 * time.Minute),
		graph:    &mockGraph{},
		vector:   &mockVector{},
		stores:   &mockLocator{},
		synth:    &mockSynth{},
		metrics:  observability.NewMetrics("test", prometheus.NewRegistry()),
	}
	svc, err := NewChatService(Deps{
		Sessions: f.sessions,
		Locker:   session.NewLocker(),
		Intent:   intent.New(cat),
		Graph:    f.graph,
		Vector:   f.vector,
		Stores:   f.stores,
		Synth:    f.synth,
		Catalog:  cat,
		Metrics:  f.metrics,
	}, opts)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func expectChatError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
	require.Equal(t, reason, usecaseErr.Reason)
}

func noSleep(context.Context, time.Duration) error { return nil }

var kitkatNode = domain.GraphNode{
	Title:   "KitKat ingredients",
	Content: "KitKat contains sugar, wheat flour, cocoa butter and milk.",
	URL:     "https://www.nestle.ca/en/brands/chocolate/kitkat",
	Labels:  []string{"Content"},
}

func TestNewChatService_ValidatesDependencies(t *testing.T) {
	full := Deps{
		Sessions: session.NewMemoryStore(time.Hour),
		Intent:   intent.New(catalog.Default()),
		Graph:    &mockGraph{},
		Vector:   &mockVector{},
		Synth:    &mockSynth{},
	}
	_, err := NewChatService(full, Options{})
	require.NoError(t, err)

	for name, mutate := range map[string]func(d *Deps){
		"sessions": func(d *Deps) { d.Sessions = nil },
		"intent":   func(d *Deps) { d.Intent = nil },
		"graph":    func(d *Deps) { d.Graph = nil },
		"vector":   func(d *Deps) { d.Vector = nil },
		"synth":    func(d *Deps) { d.Synth = nil },
	} {
		d := full
		mutate(&d)
		_, err := NewChatService(d, Options{})
		require.Error(t, err, name)
	}
}

func TestChat_ValidationErrors(t *testing.T) {
	f := newFixture(t, Options{MaxQueryLength: 10})

	_, err := f.svc.Chat(context.Background(), ChatInput{Query: "   "})
	expectChatError(t, err, ErrorInvalidInput, "empty_query")

	_, err = f.svc.Chat(context.Background(), ChatInput{Query: strings.Repeat("a", 11)})
	expectChatError(t, err, ErrorInvalidInput, "query_too_long")

	_, err = f.svc.Chat(context.Background(), ChatInput{Query: "hi", Location: &domain.Location{Latitude: 91}})
	expectChatError(t, err, ErrorInvalidInput, "invalid_location")

	require.Zero(t, f.sessions.Len())
	require.Zero(t, f.graph.calls)
}

func TestChat_GraphHitSkipsVector(t *testing.T) {
	f := newFixture(t, Options{})
	f.graph.nodes = []domain.GraphNode{kitkatNode}

	out, err := f.svc.Chat(context.Background(), ChatInput{Query: "What ingredients are in KitKat?"})
	require.NoError(t, err)
	require.Equal(t, 1, f.graph.calls)
	require.Zero(t, f.vector.calls)
	require.Equal(t, []State{StateStart, StateGraphLookup, StateMerge, StateSynthesize, StateDone}, out.Trace)
	require.Len(t, f.synth.sources, 1)
	require.Equal(t, domain.SourceGraph, f.synth.sources[0].Kind)
	require.Equal(t, "S1", f.synth.sources[0].ID)
}

func TestChat_EndToEndGraphAnswerCitesGraphNode(t *testing.T) {
	cat := catalog.Default()
	gen := &fakeGenerator{reply: `{"answer":"KitKat is made with sugar, wheat flour, cocoa butter and milk.","source_ids":["S1"]}`}
	synthesizer, err := synth.New(gen)
	require.NoError(t, err)

	sessions := session.NewMemoryStore(30 * time.Minute)
	g := &mockGraph{nodes: []domain.GraphNode{kitkatNode}}
	v := &mockVector{}
	svc, err := NewChatService(Deps{
		Sessions: sessions,
		Intent:   intent.New(cat),
		Graph:    g,
		Vector:   v,
		Synth:    synthesizer,
		Catalog:  cat,
	}, Options{})
	require.NoError(t, err)

	out, err := svc.Chat(context.Background(), ChatInput{Query: "What ingredients are in KitKat?"})
	require.NoError(t, err)
	require.Zero(t, v.calls)
	require.Equal(t, 1, gen.calls)
	require.Contains(t, out.Response, "wheat flour")
	require.NotEmpty(t, out.References)
	require.Equal(t, kitkatNode.URL, out.References[0].URL)
	require.Empty(t, out.PurchaseLink, "no purchase intent")

	sess, err := sessions.Get(context.Background(), out.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Turns, 3)
	require.Equal(t, session.Greeting, sess.Turns[0].Text)
	require.Equal(t, domain.RoleUser, sess.Turns[1].Role)
	require.Equal(t, "What ingredients are in KitKat?", sess.Turns[1].Text)
	require.Equal(t, domain.RoleAssistant, sess.Turns[2].Role)
	require.Equal(t, out.References, sess.Turns[2].References)
}

func TestChat_NoEvidenceStatesUncertainty(t *testing.T) {
	gen := &fakeGenerator{reply: `{"answer":"invented","source_ids":["S1"]}`}
	synthesizer, err := synth.New(gen)
	require.NoError(t, err)

	g := &mockGraph{}
	v := &mockVector{}
	svc, err := NewChatService(Deps{
		Sessions: session.NewMemoryStore(30 * time.Minute),
		Intent:   intent.New(catalog.Default()),
		Graph:    g,
		Vector:   v,
		Synth:    synthesizer,
		Catalog:  catalog.Default(),
	}, Options{})
	require.NoError(t, err)

	out, err := svc.Chat(context.Background(), ChatInput{Query: "What is the airspeed of an unladen swallow?"})
	require.NoError(t, err)
	require.Equal(t, synth.UncertaintyAnswer, out.Response)
	require.Empty(t, out.References)
	require.Zero(t, gen.calls)
	require.Equal(t, 1, v.calls)
	require.Equal(t, []State{StateStart, StateGraphLookup, StateVectorLookup, StateMerge, StateSynthesize, StateDone}, out.Trace)
}

func TestChat_GraphEmptyFallsBackToVector(t *testing.T) {
	f := newFixture(t, Options{})
	f.vector.snippets = []domain.Snippet{
		{Title: "Aero bubbles", Content: "Aero is aerated chocolate.", URL: "https://example.com/aero", Score: 0.82},
	}

	out, err := f.svc.Chat(context.Background(), ChatInput{Query: "Why does Aero have bubbles?"})
	require.NoError(t, err)
	require.Equal(t, 1, f.vector.calls)
	require.Equal(t, []State{StateStart, StateGraphLookup, StateVectorLookup, StateMerge, StateSynthesize, StateDone}, out.Trace)
	require.Len(t, f.synth.sources, 1)
	require.Equal(t, domain.SourceVector, f.synth.sources[0].Kind)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StageOutcomes.WithLabelValues(string(StateGraphLookup), "empty")))
}

func TestChat_GraphErrorRetriedThenFallsBackToVector(t *testing.T) {
	f := newFixture(t, Options{GraphPolicy: retry.Policy{MaxRetries: 2, BaseDelay: time.Second, Sleep: noSleep}})
	timeout := &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	f.graph.errs = []error{timeout, timeout, timeout}
	f.vector.snippets = []domain.Snippet{{Title: "KitKat", Content: "wafer", URL: "https://example.com/kitkat", Score: 0.7}}

	out, err := f.svc.Chat(context.Background(), ChatInput{Query: "What ingredients are in KitKat?"})
	require.NoError(t, err)
	require.Equal(t, 3, f.graph.calls)
	require.Equal(t, 1, f.vector.calls)
	require.Equal(t, StateDone, out.Trace[len(out.Trace)-1])
	require.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Retries.WithLabelValues("graph")))
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StageOutcomes.WithLabelValues(string(StateGraphLookup), "error")))
	require.Equal(t, int64(1), f.svc.graphErrors.Load())
}

func TestChat_ConsecutiveGraphErrorsTrackedAndReset(t *testing.T) {
	f := newFixture(t, Options{GraphErrorAlertThreshold: 2})
	down := retry.Validation("bad query", nil)
	f.graph.errs = []error{down, down, down}

	for i := 0; i < 3; i++ {
		_, err := f.svc.Chat(context.Background(), ChatInput{Query: "Tell me about Smarties"})
		require.NoError(t, err)
	}
	require.Equal(t, int64(3), f.svc.graphErrors.Load())
	require.Equal(t, 3.0, testutil.ToFloat64(f.metrics.GraphConsecutiveErrors))
	require.Equal(t, 3, f.vector.calls)

	_, err := f.svc.Chat(context.Background(), ChatInput{Query: "Tell me about Smarties"})
	require.NoError(t, err)
	require.Zero(t, f.svc.graphErrors.Load())
	require.Zero(t, testutil.ToFloat64(f.metrics.GraphConsecutiveErrors))
}

func TestChat_CatalogAnswerStillRunsVectorLookup(t *testing.T) {
	f := newFixture(t, Options{})
	f.vector.snippets = []domain.Snippet{
		{Title: "Chocolate range", Content: "Our chocolate bars.", URL: "https://example.com/chocolate", Score: 0.6},
	}

	out, err := f.svc.Chat(context.Background(), ChatInput{Query: "How many chocolate products are there?"})
	require.NoError(t, err)
	require.Equal(t, 1, f.vector.calls)
	require.Equal(t, []State{StateStart, StateGraphLookup, StateVectorLookup, StateMerge, StateSynthesize, StateDone}, out.Trace)
	require.Len(t, f.synth.sources, 2)
	require.Equal(t, domain.SourceCatalog, f.synth.sources[0].Kind)
	require.Contains(t, f.synth.sources[0].Content, "7 products in the chocolate category")
	require.Equal(t, domain.SourceVector, f.synth.sources[1].Kind)
}

func TestChat_NutritionQuestionIsNotACatalogCount(t *testing.T) {
	f := newFixture(t, Options{})
	f.vector.snippets = []domain.Snippet{
		{Title: "KitKat nutrition", Content: "A 4 finger KitKat has 210 calories.", URL: "https://example.com/kitkat-nutrition", Score: 0.9},
	}

	out, err := f.svc.Chat(context.Background(), ChatInput{Query: "How many calories are there in a KitKat?"})
	require.NoError(t, err)
	require.Equal(t, 1, f.vector.calls)
	require.Equal(t, []State{StateStart, StateGraphLookup, StateVectorLookup, StateMerge, StateSynthesize, StateDone}, out.Trace)
	require.Len(t, f.synth.sources, 1)
	require.Equal(t, domain.SourceVector, f.synth.sources[0].Kind)
	require.Zero(t, testutil.ToFloat64(f.metrics.StageOutcomes.WithLabelValues(string(StateGraphLookup), "catalog")))
}

func TestChat_PurchaseIntentWithLocationFindsStores(t *testing.T) {
	f := newFixture(t, Options{})
	f.graph.nodes = []domain.GraphNode{kitkatNode}
	f.stores.matches = []domain.StoreMatch{
		{Name: "Metro Front Street", Address: "80 Front St E, Toronto, ON", DistanceKM: 0.4, ProductMatch: "KitKat"},
	}

	out, err := f.svc.Chat(context.Background(), ChatInput{
		Query:    "Where can I buy KitKat near me?",
		Location: &domain.Location{Latitude: 43.6487, Longitude: -79.3716},
	})
	require.NoError(t, err)
	require.Equal(t, 1, f.stores.calls)
	require.Equal(t, "KitKat", f.stores.product)
	require.Equal(t, f.stores.matches, out.Stores)
	require.Equal(t, []State{StateStart, StateGraphLookup, StateMerge, StateStoreLookup, StateSynthesize, StateDone}, out.Trace)
	require.Equal(t, "https://www.amazon.ca/s?k=KitKat", out.PurchaseLink)
	require.NotNil(t, out.ProductInfo)
	require.Equal(t, "KitKat", out.ProductInfo.Name)

	last := f.synth.sources[len(f.synth.sources)-1]
	require.Equal(t, domain.SourceStores, last.Kind)
	require.Contains(t, last.Content, "Metro Front Street")

	sess, err := f.sessions.Get(context.Background(), out.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sess.LastKnownLocation)
	require.Equal(t, f.stores.matches, sess.Turns[2].Stores)
	require.True(t, sess.Turns[1].PurchaseSignal)
}

func TestChat_StoreLookupUsesRememberedLocation(t *testing.T) {
	f := newFixture(t, Options{})
	first, err := f.svc.Chat(context.Background(), ChatInput{
		Query:    "Tell me about Aero",
		Location: &domain.Location{Latitude: 43.65, Longitude: -79.38},
	})
	require.NoError(t, err)
	require.Zero(t, f.stores.calls)

	_, err = f.svc.Chat(context.Background(), ChatInput{Query: "Where can I buy Aero?", SessionID: first.SessionID})
	require.NoError(t, err)
	require.Equal(t, 1, f.stores.calls)
	require.Equal(t, "Aero", f.stores.product)
}

func TestChat_PurchaseIntentWithoutLocationSkipsStores(t *testing.T) {
	f := newFixture(t, Options{})

	out, err := f.svc.Chat(context.Background(), ChatInput{Query: "Where can I buy KitKat near me?"})
	require.NoError(t, err)
	require.Zero(t, f.stores.calls)
	require.NotContains(t, out.Trace, StateStoreLookup)
	require.Equal(t, "https://www.amazon.ca/s?k=KitKat", out.PurchaseLink)
}

func TestChat_StoreFailureAppendsApology(t *testing.T) {
	f := newFixture(t, Options{})
	f.graph.nodes = []domain.GraphNode{kitkatNode}
	f.stores.err = errors.New("store data unavailable")

	out, err := f.svc.Chat(context.Background(), ChatInput{
		Query:    "Where can I buy KitKat near me?",
		Location: &domain.Location{Latitude: 43.65, Longitude: -79.38},
	})
	require.NoError(t, err)
	require.Empty(t, out.Stores)
	require.True(t, strings.HasSuffix(out.Response, storeLookupApology))
	require.Equal(t, StateDone, out.Trace[len(out.Trace)-1])
}

func TestChat_NoNearbyStoresIsNotAFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.graph.nodes = []domain.GraphNode{kitkatNode}

	out, err := f.svc.Chat(context.Background(), ChatInput{
		Query:    "Where can I buy KitKat near me?",
		Location: &domain.Location{Latitude: 0, Longitude: 0},
	})
	require.NoError(t, err)
	require.Empty(t, out.Stores)
	require.NotContains(t, out.Response, storeLookupApology)
	last := f.synth.sources[len(f.synth.sources)-1]
	require.Equal(t, domain.SourceStores, last.Kind)
	require.Contains(t, last.Content, "No stores carrying KitKat")
}

func TestChat_NoNearbyStoresDiffersFromNoLookup(t *testing.T) {
	gen := &fakeGenerator{reply: `{"answer":"invented","source_ids":[]}`}
	synthesizer, err := synth.New(gen)
	require.NoError(t, err)
	locator := &mockLocator{}
	svc, err := NewChatService(Deps{
		Sessions: session.NewMemoryStore(30 * time.Minute),
		Intent:   intent.New(catalog.Default()),
		Graph:    &mockGraph{},
		Vector:   &mockVector{},
		Stores:   locator,
		Synth:    synthesizer,
		Catalog:  catalog.Default(),
	}, Options{})
	require.NoError(t, err)

	noLookup, err := svc.Chat(context.Background(), ChatInput{Query: "Where can I buy KitKat near me?"})
	require.NoError(t, err)
	require.Zero(t, locator.calls)
	require.Equal(t, synth.UncertaintyAnswer, noLookup.Response)

	none, err := svc.Chat(context.Background(), ChatInput{
		Query:    "Where can I buy KitKat near me?",
		Location: &domain.Location{Latitude: 43.65, Longitude: -79.38},
	})
	require.NoError(t, err)
	require.Equal(t, 1, locator.calls)
	require.Contains(t, none.Trace, StateStoreLookup)
	require.NotEqual(t, noLookup.Response, none.Response)
	require.True(t, strings.HasSuffix(none.Response, "I couldn't find any stores carrying KitKat near you."))
	require.NotContains(t, none.Response, storeLookupApology)
	require.Zero(t, gen.calls)
}

func TestChat_SynthesisFailureYieldsApology(t *testing.T) {
	f := newFixture(t, Options{GenerationPolicy: retry.Policy{MaxRetries: 2, Sleep: noSleep}})
	f.graph.nodes = []domain.GraphNode{kitkatNode}
	f.synth.err = &openai.HTTPStatusError{StatusCode: 503, URL: "https://api.openai.com/v1/chat/completions"}

	out, err := f.svc.Chat(context.Background(), ChatInput{Query: "What ingredients are in KitKat?"})
	require.NoError(t, err)
	require.Equal(t, FailureAnswer, out.Response)
	require.Empty(t, out.References)
	require.Equal(t, 3, f.synth.calls)
	require.Equal(t, StateFailed, out.Trace[len(out.Trace)-1])
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Turns.WithLabelValues("failed")))

	sess, err := f.sessions.Get(context.Background(), out.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Turns, 3)
	require.Equal(t, FailureAnswer, sess.Turns[2].Text)
}

func TestChat_CancellationLeavesTranscriptUntouched(t *testing.T) {
	f := newFixture(t, Options{})
	f.graph.nodes = []domain.GraphNode{kitkatNode}
	sess, err := f.sessions.Create(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	f.synth.hook = func(ctx context.Context, _ string) error {
		cancel()
		return ctx.Err()
	}

	_, err = f.svc.Chat(ctx, ChatInput{Query: "What ingredients are in KitKat?", SessionID: sess.ID})
	expectChatError(t, err, ErrorCanceled, "request_canceled")

	got, err := f.sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Turns, 1)
	require.Equal(t, session.Greeting, got.Turns[0].Text)
}

func TestChat_StaleSessionStartsNewSession(t *testing.T) {
	f := newFixture(t, Options{})

	out, err := f.svc.Chat(context.Background(), ChatInput{Query: "Tell me about Aero", SessionID: "expired-session"})
	require.NoError(t, err)
	require.NotEmpty(t, out.SessionID)
	require.NotEqual(t, "expired-session", out.SessionID)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ActiveSessions))

	sess, err := f.sessions.Get(context.Background(), out.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Turns, 3)
}

func TestChat_FollowUpSeesHistory(t *testing.T) {
	f := newFixture(t, Options{})

	first, err := f.svc.Chat(context.Background(), ChatInput{Query: "Tell me about Aero"})
	require.NoError(t, err)
	_, err = f.svc.Chat(context.Background(), ChatInput{Query: "What is it made of?", SessionID: first.SessionID})
	require.NoError(t, err)
	require.Equal(t, 3, f.graph.turnsN, "greeting plus the first exchange")

	sess, err := f.sessions.Get(context.Background(), first.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Turns, 5)
	for i := 1; i < len(sess.Turns); i += 2 {
		require.Equal(t, domain.RoleUser, sess.Turns[i].Role)
		require.Equal(t, domain.RoleAssistant, sess.Turns[i+1].Role)
	}
}

func TestChat_SameSessionTurnsAreSerialized(t *testing.T) {
	f := newFixture(t, Options{})
	sess, err := f.sessions.Create(context.Background())
	require.NoError(t, err)

	entered := make(chan string, 2)
	release := make(chan struct{})
	f.synth.hook = func(_ context.Context, question string) error {
		entered <- question
		if question == "first" {
			<-release
		}
		return nil
	}
	f.graph.nodes = []domain.GraphNode{kitkatNode}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.svc.Chat(context.Background(), ChatInput{Query: "first", SessionID: sess.ID})
		require.NoError(t, err)
	}()
	require.Equal(t, "first", <-entered)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.svc.Chat(context.Background(), ChatInput{Query: "second", SessionID: sess.ID})
		require.NoError(t, err)
	}()

	select {
	case q := <-entered:
		t.Fatalf("turn %q ran while the session was busy", q)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	wg.Wait()
	require.Equal(t, "second", <-entered)

	got, err := f.sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	var texts []string
	for _, turn := range got.Turns[1:] {
		texts = append(texts, turn.Text)
	}
	require.Equal(t, []string{"first", "answer to first", "second", "answer to second"}, texts)
}

func TestChat_DifferentSessionsRunInParallel(t *testing.T) {
	f := newFixture(t, Options{})
	f.graph.nodes = []domain.GraphNode{kitkatNode}

	both := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	inFlight := 0
	f.synth.hook = func(ctx context.Context, _ string) error {
		mu.Lock()
		inFlight++
		if inFlight == 2 {
			once.Do(func() { close(both) })
		}
		mu.Unlock()
		select {
		case <-both:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("sessions were serialized")
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.svc.Chat(context.Background(), ChatInput{Query: "What ingredients are in KitKat?"})
			require.NoError(t, err)
			require.Equal(t, StateDone, out.Trace[len(out.Trace)-1])
		}()
	}
	wg.Wait()
}

func TestClear(t *testing.T) {
	f := newFixture(t, Options{})
	out, err := f.svc.Chat(context.Background(), ChatInput{Query: "Tell me about Aero"})
	require.NoError(t, err)

	require.NoError(t, f.svc.Clear(context.Background(), out.SessionID))
	sess, err := f.sessions.Get(context.Background(), out.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Turns, 1)
	require.Equal(t, domain.RoleAssistant, sess.Turns[0].Role)
	require.Equal(t, session.Greeting, sess.Turns[0].Text)

	require.NoError(t, f.svc.Clear(context.Background(), out.SessionID))
	require.NoError(t, f.svc.Clear(context.Background(), "does-not-exist"))

	err = f.svc.Clear(context.Background(), " ")
	expectChatError(t, err, ErrorInvalidInput, "empty_session_id")
}

// storeWithoutExpiry hides MemoryStore's expire hook, like the DynamoDB store.
type storeWithoutExpiry struct {
	session.Store
}

func TestChat_ActiveSessionsCountedOnlyWhenStoreReportsExpiry(t *testing.T) {
	for _, tc := range []struct {
		name  string
		store session.Store
		want  float64
	}{
		{name: "memory store", store: session.NewMemoryStore(30 * time.Minute), want: 1},
		{name: "store without expiry", store: storeWithoutExpiry{session.NewMemoryStore(30 * time.Minute)}, want: 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			metrics := observability.NewMetrics("test", prometheus.NewRegistry())
			svc, err := NewChatService(Deps{
				Sessions: tc.store,
				Intent:   intent.New(catalog.Default()),
				Graph:    &mockGraph{nodes: []domain.GraphNode{kitkatNode}},
				Vector:   &mockVector{},
				Synth:    &mockSynth{},
				Metrics:  metrics,
			}, Options{})
			require.NoError(t, err)

			_, err = svc.Chat(context.Background(), ChatInput{Query: "What ingredients are in KitKat?"})
			require.NoError(t, err)
			require.Equal(t, tc.want, testutil.ToFloat64(metrics.ActiveSessions))
		})
	}
}
