// Package retry holds the relay's resilience helpers: the tunnel
// supervisor re-creates connector sessions with a Backoff, and the
// connector guards each relay server address with a Breaker.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ── Backoff ──────────────────────────────────────────────────────────

// Backoff retries an operation with exponentially growing delays.
type Backoff struct {
	// InitialDelay is the wait after the first failure (default 1s).
	InitialDelay time.Duration
	// MaxDelay caps a single wait (default 60s).
	MaxDelay time.Duration
	// Multiplier grows the wait after every failure (default 2).
	Multiplier float64
	// MaxAttempts bounds the number of calls; 0 retries until ctx ends.
	MaxAttempts int
	// Jitter spreads each wait by ±25% so a fleet of connectors does
	// not hammer a recovering relay in lockstep.
	Jitter bool
	// OnRetry is called before each wait with the failed attempt, its
	// error and the wait about to start.
	OnRetry func(attempt int, err error, wait time.Duration)
	// Retryable filters errors; false ends Do with that error.
	Retryable func(err error) bool
}

// DefaultBackoff returns the supervisor's settings: 1s doubling to 60s,
// jittered, ten attempts.
func DefaultBackoff() *Backoff {
	return &Backoff{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		MaxAttempts:  10,
		Jitter:       true,
	}
}

// Do calls fn (with a 1-based attempt number) until it returns nil, a
// non-retryable error, the attempt budget runs out or ctx is done.
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		switch {
		case err == nil:
			return nil
		case b.Retryable != nil && !b.Retryable(err):
			return err
		case b.MaxAttempts > 0 && attempt >= b.MaxAttempts:
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		wait := b.Delay(attempt)
		if b.OnRetry != nil {
			b.OnRetry(attempt, err, wait)
		}
		if !Sleep(ctx, wait) {
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		}
	}
}

// Delay is the wait that follows failed attempt n (1-based).
func (b *Backoff) Delay(n int) time.Duration {
	initial, maxDelay, mult := b.InitialDelay, b.MaxDelay, b.Multiplier
	if initial <= 0 {
		initial = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	if mult < 1 {
		mult = 2
	}
	d := float64(initial) * math.Pow(mult, float64(n-1))
	if d > float64(maxDelay) || math.IsInf(d, 0) {
		d = float64(maxDelay)
	}
	if b.Jitter {
		d += (rand.Float64()*0.5 - 0.25) * d
	}
	return time.Duration(math.Max(d, float64(time.Millisecond)))
}

// Sleep waits for d or until ctx is done.  It reports whether the full
// delay elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
