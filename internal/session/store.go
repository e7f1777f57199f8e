package session

import (
	"context"
	"errors"
	"time"

	"catalog-assistant/internal/domain"
)

// ErrNotFound is returned for unknown or expired session ids.
var ErrNotFound = errors.New("session not found")

// Greeting is the assistant turn every new or cleared session starts with.
const Greeting = "Hi! I can answer questions about our products, and help you find a store nearby. What would you like to know?"

// Store is the per-conversation transcript store. Implementations must treat
// a session whose last activity is older than their TTL as not found.
type Store interface {
	Get(ctx context.Context, id string) (domain.Session, error)
	Create(ctx context.Context) (domain.Session, error)
	Append(ctx context.Context, id string, turns ...domain.Turn) (domain.Session, error)
	SetLocation(ctx context.Context, id string, loc domain.Location) error
	Clear(ctx context.Context, id string) error
	EvictExpired(ctx context.Context, now time.Time) (int, error)
}

// GreetingTurn returns the seed turn for a session started at ts.
func GreetingTurn(ts time.Time) domain.Turn {
	return domain.Turn{Role: domain.RoleAssistant, Text: Greeting, Timestamp: ts}
}
