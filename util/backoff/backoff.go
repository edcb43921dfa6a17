// Package backoff paces retries: the master controller's session-reconnect
// loop backs off a failing coordination store without hot-looping, and the
// migration poller waits on a plain fixed interval between polls.
package backoff

import (
	"context"
	"time"
)

// Backoff tracks a delay that grows by factor on every Wait, capped at cap.
type Backoff struct {
	base    time.Duration
	cap     time.Duration
	factor  float64
	current time.Duration
}

// New returns a Backoff starting at base, growing by factor per Wait, and
// never exceeding cap.
func New(base, cap time.Duration, factor float64) *Backoff {
	return &Backoff{base: base, cap: cap, factor: factor, current: base}
}

// Fixed returns a Backoff that never grows: a plain cancellable poll
// ticker at a constant interval.
func Fixed(interval time.Duration) *Backoff {
	return New(interval, interval, 1)
}

// Wait blocks for the current delay or until ctx is done, whichever comes
// first, then grows the delay for the next call. Returns ctx.Err() on
// cancellation, nil otherwise.
func (b *Backoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.current)
	defer timer.Stop()

	select {
	case <-timer.C:
		b.grow()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Backoff) grow() {
	next := time.Duration(float64(b.current) * b.factor)
	if next > b.cap {
		next = b.cap
	}
	b.current = next
}

// Reset brings the delay back to base, for starting a fresh retry run.
func (b *Backoff) Reset() {
	b.current = b.base
}

// CurrentDelay returns the delay the next Wait will use.
func (b *Backoff) CurrentDelay() time.Duration {
	return b.current
}
