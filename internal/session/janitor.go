package session

import (
	"context"
	"time"

	"catalog-assistant/internal/logging"
)

// Evictor is the part of Store the janitor drives.
type Evictor interface {
	EvictExpired(ctx context.Context, now time.Time) (int, error)
}

// StartJanitor calls EvictExpired every interval until ctx is done.
func StartJanitor(ctx context.Context, store Evictor, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				n, err := store.EvictExpired(ctx, now.UTC())
				if err != nil {
					logging.From(ctx).Warn("session eviction failed", "err", err)
					continue
				}
				if n > 0 {
					logging.From(ctx).Debug("evicted expired sessions", "count", n)
				}
			}
		}
	}()
}
