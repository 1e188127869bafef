// Package transport moves raw event payloads between processes. It knows
// nothing about their contents: sources hand strings to a callback in the
// order they arrived and the relay rebroadcasts whatever it receives.
package transport

import (
	"context"
	"math/rand/v2"
	"time"
)

// Source delivers raw payloads in arrival order until ctx is done.
// deliver is never called concurrently.
type Source interface {
	Run(ctx context.Context, deliver func(raw string)) error
}

// Backoff grows a reconnect delay from Min to Max, doubling per failure.
type Backoff struct {
	Min time.Duration
	Max time.Duration
	cur time.Duration
}

// Next returns the delay before the next attempt, with up to 50% jitter
// subtracted so many clients do not reconnect in lockstep.
func (b *Backoff) Next() time.Duration {
	if b.cur == 0 {
		b.cur = b.Min
	} else {
		b.cur = min(b.cur*2, b.Max)
	}
	if b.cur <= 1 {
		return b.cur
	}
	half := b.cur / 2
	return half + rand.N(half)
}

// Reset starts the next failure sequence from Min again.
func (b *Backoff) Reset() { b.cur = 0 }

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
