package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"catalog-assistant/internal/domain"
)

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	ttl      time.Duration
	now      func() time.Time
	newID    func() string
	onExpire func(id string)
}

type MemoryOption func(*MemoryStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(gen func() string) MemoryOption {
	return func(m *MemoryStore) { m.newID = gen }
}

func NewMemoryStore(ttl time.Duration, opts ...MemoryOption) *MemoryStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	m := &MemoryStore{
		sessions: make(map[string]*domain.Session),
		ttl:      ttl,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetExpireHook registers a callback run for every evicted session id.
func (m *MemoryStore) SetExpireHook(hook func(id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *MemoryStore) Create(_ context.Context) (domain.Session, error) {
	now := m.now()
	s := &domain.Session{
		ID:           m.newID(),
		Turns:        []domain.Turn{GreetingTurn(now)},
		CreatedAt:    now,
		LastActiveAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return s.Clone(), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.live(id)
	if !ok {
		return domain.Session{}, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Append(_ context.Context, id string, turns ...domain.Turn) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.live(id)
	if !ok {
		return domain.Session{}, ErrNotFound
	}
	now := m.now()
	for _, t := range turns {
		if t.Timestamp.IsZero() {
			t.Timestamp = now
		}
		s.Turns = append(s.Turns, t)
	}
	s.LastActiveAt = now
	return s.Clone(), nil
}

func (m *MemoryStore) SetLocation(_ context.Context, id string, loc domain.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.live(id)
	if !ok {
		return ErrNotFound
	}
	s.LastKnownLocation = &loc
	s.LastActiveAt = m.now()
	return nil
}

// Clear resets the transcript to the greeting turn.
func (m *MemoryStore) Clear(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.live(id)
	if !ok {
		return ErrNotFound
	}
	now := m.now()
	s.Turns = []domain.Turn{GreetingTurn(now)}
	s.LastActiveAt = now
	return nil
}

// EvictExpired removes sessions idle for longer than the TTL and returns how
// many were removed.
func (m *MemoryStore) EvictExpired(_ context.Context, now time.Time) (int, error) {
	var expired []string

	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.LastActiveAt) < m.ttl {
			continue
		}
		delete(m.sessions, id)
		expired = append(expired, id)
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, id := range expired {
			hook(id)
		}
	}
	return len(expired), nil
}

// Len returns the number of sessions held, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// live must be called with mu held.
func (m *MemoryStore) live(id string) (*domain.Session, bool) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	if m.now().Sub(s.LastActiveAt) >= m.ttl {
		return nil, false
	}
	return s, true
}
