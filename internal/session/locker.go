package session

import (
	"context"
	"sync"
)

// Locker serializes work per session id. Different ids never contend.
type Locker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocker() *Locker {
	return &Locker{slots: make(map[string]*slot)}
}

// Lock blocks until id is free or ctx is done. The returned func releases
// the lock and must be called exactly once.
func (l *Locker) Lock(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[id]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[id] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(id, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(id, s)
		})
	}, nil
}

func (l *Locker) release(id string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, id)
	}
}

// Held returns the number of ids with a holder or waiter.
func (l *Locker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
