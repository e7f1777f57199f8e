package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// MaxRetryAttempts is the default number of retries after the first call.
const MaxRetryAttempts = 2

// Policy configures Do. The zero value makes a single attempt.
type Policy struct {
	// MaxRetries is the number of attempts after the first.
	MaxRetries int
	// BaseDelay is the wait before the first retry; it doubles per retry.
	BaseDelay time.Duration
	// Jitter adds up to this fraction of the delay at random. Zero keeps
	// delays deterministic.
	Jitter float64
	// AttemptTimeout bounds each attempt when positive.
	AttemptTimeout time.Duration
	// Sleep waits between attempts; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each retry with the failed attempt number
	// (1-based) and its error.
	OnRetry func(attempt int, err error)
}

// Delay returns the wait before attempt n (0-indexed). The first attempt
// never waits; attempt n > 0 waits BaseDelay * 2^(n-1).
func (p Policy) Delay(n int) time.Duration {
	if n <= 0 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay << (n - 1)
	if p.Jitter > 0 {
		d += time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}

// Do calls fn until it succeeds, fails with a non-transient error, or the
// retry budget is spent. Transient failures that exhaust the budget come back
// as *ExternalServiceError; non-transient errors are returned unchanged.
// Cancellation of ctx stops retrying immediately.
func Do[T any](ctx context.Context, p Policy, service string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	sleep := p.Sleep
	if sleep == nil {
		sleep = timerSleep
	}

	attempts := 0
	for n := 0; ; n++ {
		if n > 0 {
			if err := sleep(ctx, p.Delay(n)); err != nil {
				return zero, err
			}
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		attempts++
		out, err := callAttempt(ctx, p.AttemptTimeout, fn)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !IsTransient(err) {
			return zero, err
		}
		if n >= p.MaxRetries {
			return zero, &ExternalServiceError{Service: service, Attempts: attempts, Err: err}
		}
		if p.OnRetry != nil {
			p.OnRetry(attempts, err)
		}
	}
}

func callAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := fn(attemptCtx)
	if err != nil && ctx.Err() == nil && attemptCtx.Err() != nil {
		// The per-attempt deadline fired; whatever the client wrapped it in,
		// it is a timeout.
		return out, Transient(err)
	}
	return out, err
}

func timerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
