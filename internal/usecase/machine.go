package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"catalog-assistant/internal/domain"
	"catalog-assistant/internal/graph"
	"catalog-assistant/internal/logging"
	"catalog-assistant/internal/retry"
	"catalog-assistant/internal/synth"
)

// State is a step of the per-turn retrieval state machine.
type State string

const (
	StateStart        State = "START"
	StateGraphLookup  State = "GRAPH_LOOKUP"
	StateVectorLookup State = "VECTOR_LOOKUP"
	StateMerge        State = "MERGE"
	StateStoreLookup  State = "STORE_LOOKUP"
	StateSynthesize   State = "SYNTHESIZE"
	StateDone         State = "DONE"
	StateFailed       State = "FAILED"
)

const (
	serviceGraph      = "graph"
	serviceVector     = "vector"
	serviceGeneration = "generation"
)

const (
	storeLookupApology = "Sorry, I couldn't look up nearby stores right now."
	storesFoundNote    = "Here are some stores near you that may carry what you're looking for."
)

// turn carries the working state of one chat turn between states.
type turn struct {
	question string
	session  domain.Session

	signal  domain.IntentSignal
	bundle  domain.RetrievalBundle
	sources []domain.Source

	stores       []domain.StoreMatch
	storesFailed bool
	storesNone   bool

	result synth.Result
	err    error
	trace  []State
}

func (t *turn) last() State {
	if len(t.trace) == 0 {
		return StateStart
	}
	return t.trace[len(t.trace)-1]
}

func (t *turn) location() *domain.Location {
	return t.session.LastKnownLocation
}

// answer returns the assistant text and references for a finished turn.
func (t *turn) answer() (string, []domain.Reference) {
	if t.last() == StateFailed {
		return FailureAnswer, nil
	}
	text := t.result.Text
	switch {
	case t.storesFailed:
		text = strings.TrimSpace(text) + " " + storeLookupApology
	case !t.result.Grounded && len(t.stores) > 0:
		text = strings.TrimSpace(text) + " " + storesFoundNote
	case !t.result.Grounded && t.storesNone:
		text = strings.TrimSpace(text) + " " + noStoresNote(t.signal.CandidateProduct)
	}
	return text, t.result.References
}

type stateFunc func(ctx context.Context, t *turn) State

func (s *ChatService) handler(state State) stateFunc {
	switch state {
	case StateStart:
		return s.start
	case StateGraphLookup:
		return s.graphLookup
	case StateVectorLookup:
		return s.vectorLookup
	case StateMerge:
		return s.merge
	case StateStoreLookup:
		return s.storeLookup
	case StateSynthesize:
		return s.synthesize
	default:
		return nil
	}
}

// run drives t from START to DONE or FAILED, recording every state entered.
func (s *ChatService) run(ctx context.Context, t *turn) {
	state := StateStart
	for {
		t.trace = append(t.trace, state)
		if state == StateDone || state == StateFailed {
			return
		}
		if err := ctx.Err(); err != nil {
			t.err = err
			state = StateFailed
			continue
		}
		next := s.handler(state)
		if next == nil {
			t.err = fmt.Errorf("usecase: no handler for state %s", state)
			state = StateFailed
			continue
		}
		state = next(ctx, t)
	}
}

func (s *ChatService) start(_ context.Context, _ *turn) State {
	return StateGraphLookup
}

// graphLookup classifies intent alongside the graph query. Graph errors and
// empty results both lead to vector lookup. A structured catalog answer is
// kept as extra evidence but never replaces the vector lookup.
func (s *ChatService) graphLookup(ctx context.Context, t *turn) State {
	var (
		res      graph.Result
		graphErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t.signal = s.intent.Classify(t.question, t.session.LastAssistantText())
		return nil
	})
	g.Go(func() error {
		p := s.policy(gctx, s.opts.GraphPolicy, serviceGraph)
		res, graphErr = retry.Do(gctx, p, serviceGraph, func(ctx context.Context) (graph.Result, error) {
			return s.graph.Query(ctx, t.question, t.session.Turns)
		})
		return nil
	})
	_ = g.Wait()

	if ctx.Err() != nil {
		t.err = ctx.Err()
		return StateFailed
	}

	switch {
	case graphErr != nil:
		s.recordGraphError(ctx, graphErr)
	case res.Empty():
		s.recordGraphSuccess()
		s.metrics.StageOutcome(string(StateGraphLookup), "empty")
	default:
		s.recordGraphSuccess()
		s.metrics.StageOutcome(string(StateGraphLookup), "hit")
		t.bundle.Graph = res.Nodes
		t.bundle.Confidence = 1
		return StateMerge
	}

	if s.catalog != nil {
		if text, ok := s.catalog.Answer(t.question); ok {
			s.metrics.StageOutcome(string(StateGraphLookup), "catalog")
			t.bundle.Catalog = []domain.Source{{
				Kind:    domain.SourceCatalog,
				Title:   "Product catalog",
				Content: text,
			}}
		}
	}
	return StateVectorLookup
}

func (s *ChatService) vectorLookup(ctx context.Context, t *turn) State {
	p := s.policy(ctx, s.opts.VectorPolicy, serviceVector)
	snippets, err := retry.Do(ctx, p, serviceVector, func(ctx context.Context) ([]domain.Snippet, error) {
		return s.vector.Search(ctx, t.question, s.opts.VectorTopK)
	})
	switch {
	case err != nil && ctx.Err() != nil:
		t.err = ctx.Err()
		return StateFailed
	case err != nil:
		s.metrics.StageOutcome(string(StateVectorLookup), "error")
		s.logDegraded(ctx, slog.LevelWarn, "vector lookup failed, continuing without vector evidence", StateVectorLookup, err)
	case len(snippets) == 0:
		s.metrics.StageOutcome(string(StateVectorLookup), "empty")
	default:
		s.metrics.StageOutcome(string(StateVectorLookup), "hit")
		t.bundle.Vector = snippets
		t.bundle.Confidence = snippets[0].Score
	}
	return StateMerge
}

// merge orders the evidence into numbered sources and decides whether a
// store lookup is needed.
func (s *ChatService) merge(_ context.Context, t *turn) State {
	t.sources = mergeSources(t.bundle)
	if t.bundle.Empty() {
		s.metrics.StageOutcome(string(StateMerge), "no_grounding")
	}
	if s.stores != nil && t.signal.HasPurchaseIntent && t.location() != nil && !hasStoreData(t.bundle) {
		return StateStoreLookup
	}
	return StateSynthesize
}

func (s *ChatService) storeLookup(ctx context.Context, t *turn) State {
	matches, err := s.stores.FindNearby(ctx, *t.location(), t.signal.CandidateProduct, s.opts.StoreLimit)
	switch {
	case err != nil && ctx.Err() != nil:
		t.err = ctx.Err()
		return StateFailed
	case err != nil:
		s.metrics.StageOutcome(string(StateStoreLookup), "error")
		s.logDegraded(ctx, slog.LevelWarn, "store lookup failed, answering without stores", StateStoreLookup, err)
		t.storesFailed = true
	case len(matches) == 0:
		s.metrics.StageOutcome(string(StateStoreLookup), "none")
		t.storesNone = true
		t.sources = appendSource(t.sources, domain.Source{
			Kind:    domain.SourceStores,
			Title:   "Nearby stores",
			Content: noStoresText(t.signal.CandidateProduct),
		})
	default:
		s.metrics.StageOutcome(string(StateStoreLookup), "found")
		t.stores = matches
		t.sources = appendSource(t.sources, domain.Source{
			Kind:    domain.SourceStores,
			Title:   "Nearby stores",
			Content: storesText(matches),
		})
	}
	return StateSynthesize
}

func (s *ChatService) synthesize(ctx context.Context, t *turn) State {
	p := s.policy(ctx, s.opts.GenerationPolicy, serviceGeneration)
	res, err := retry.Do(ctx, p, serviceGeneration, func(ctx context.Context) (synth.Result, error) {
		return s.synth.Generate(ctx, t.session.Turns, t.question, t.sources)
	})
	if err != nil {
		t.err = err
		if ctx.Err() == nil {
			s.metrics.StageOutcome(string(StateSynthesize), "error")
			s.logDegraded(ctx, slog.LevelError, "response synthesis failed", StateSynthesize, err)
		}
		return StateFailed
	}
	outcome := "grounded"
	if !res.Grounded {
		outcome = "ungrounded"
	}
	s.metrics.StageOutcome(string(StateSynthesize), outcome)
	t.result = res
	return StateDone
}

// policy returns p with retries reported to metrics and the turn log.
func (s *ChatService) policy(ctx context.Context, p retry.Policy, service string) retry.Policy {
	log := logging.From(ctx)
	p.OnRetry = func(attempt int, err error) {
		s.metrics.Retry(service)
		log.Warn("retrying external call", "service", service, "attempt", attempt, "err", err)
	}
	return p
}

func (s *ChatService) recordGraphError(ctx context.Context, err error) {
	n := s.graphErrors.Add(1)
	s.metrics.SetGraphConsecutiveErrors(int(n))
	s.metrics.StageOutcome(string(StateGraphLookup), "error")

	if n >= int64(s.opts.GraphErrorAlertThreshold) {
		s.logDegraded(ctx, slog.LevelError, "graph service degraded, falling back to vector search", StateGraphLookup, err,
			"graph_degraded", true, "consecutive_errors", n)
		return
	}
	s.logDegraded(ctx, slog.LevelWarn, "graph lookup failed, falling back to vector search", StateGraphLookup, err,
		"consecutive_errors", n)
}

func (s *ChatService) recordGraphSuccess() {
	if s.graphErrors.Swap(0) != 0 {
		s.metrics.SetGraphConsecutiveErrors(0)
	}
}

// logDegraded logs a handled failure with the stage, attempt count and
// upstream status when known.
func (s *ChatService) logDegraded(ctx context.Context, level slog.Level, msg string, stage State, err error, extra ...any) {
	attrs := []any{"stage", string(stage), "err", err}
	var ext *retry.ExternalServiceError
	if errors.As(err, &ext) {
		attrs = append(attrs, "attempts", ext.Attempts)
	} else {
		attrs = append(attrs, "attempts", 1)
	}
	if status, ok := upstreamStatusCode(err); ok {
		attrs = append(attrs, "upstream_status", status)
	}
	attrs = append(attrs, extra...)
	logging.From(ctx).Log(ctx, level, msg, attrs...)
}
