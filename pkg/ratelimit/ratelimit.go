// Package ratelimit paces record delivery into the live pipeline.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket sized in records per second.
//
// A batch of n records consumes n tokens. The bucket capacity (burst)
// equals one second of the configured rate, so a single Acquire can
// momentarily claim up to one second of capacity; larger requests are
// taken in burst-sized chunks. Refill is continuous.
//
// A Limiter belongs to one job and must not be shared across jobs.
type Limiter struct {
	mu    sync.Mutex
	rl    *rate.Limiter
	burst int
}

// New creates a limiter allowing perSecond records per second.
// Non-positive rates disable limiting.
func New(perSecond int) *Limiter {
	l := &Limiter{}
	l.SetRate(perSecond)
	return l
}

// Acquire blocks until n tokens are available or ctx is done. Requests
// above one second of capacity are split into burst-sized waits, so no
// batch size is ever rejected.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}

	l.mu.Lock()
	rl, burst := l.rl, l.burst
	l.mu.Unlock()

	if rl == nil {
		return nil
	}

	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}
		if err := rl.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

// SetRate applies a new records-per-second rate. It takes effect on the
// next Acquire; an in-flight Acquire keeps its snapshot of the old rate.
// Non-positive rates disable limiting.
func (l *Limiter) SetRate(perSecond int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if perSecond <= 0 {
		l.rl = nil
		l.burst = 0
		return
	}
	if l.rl == nil {
		l.rl = rate.NewLimiter(rate.Limit(perSecond), perSecond)
		l.burst = perSecond
		return
	}
	l.rl.SetLimit(rate.Limit(perSecond))
	l.rl.SetBurst(perSecond)
	l.burst = perSecond
}

// Rate returns the configured records-per-second rate, 0 when unlimited.
func (l *Limiter) Rate() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rl == nil {
		return 0
	}
	return l.burst
}
