// Package ratelimit gates outbound call frequency toward the upstream
// exchange. A single shared Limiter bounds the whole process: exceeding the
// upstream ceiling risks the account being throttled or banned.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMinInterval is the minimum spacing between outbound calls,
// an effective ceiling of 10 calls/second.
const DefaultMinInterval = 100 * time.Millisecond

// Limiter serialises outbound calls so that no two of them are released
// closer together than the configured minimum interval, across all
// concurrent callers sharing the instance.
type Limiter struct {
	limiter *rate.Limiter
	// waitObserver, when set, receives the time spent blocked in Wait.
	waitObserver func(time.Duration)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithWaitObserver registers a callback receiving each Wait's blocked time.
func WithWaitObserver(observe func(time.Duration)) Option {
	return func(l *Limiter) {
		l.waitObserver = observe
	}
}

// New constructs a Limiter with the given minimum interval between calls.
// Non-positive intervals fall back to DefaultMinInterval.
func New(minInterval time.Duration, opts ...Option) *Limiter {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	l := &Limiter{
		// Burst 1: the check-and-reserve step is atomic inside rate.Limiter,
		// so two concurrent callers can never both observe a satisfied wait.
		limiter: rate.NewLimiter(rate.Every(minInterval), 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Wait blocks the calling goroutine until the limiter releases it, or until
// ctx is cancelled. Waiting is a delay, never an error condition of its own.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	err := l.limiter.Wait(ctx)
	if l.waitObserver != nil {
		l.waitObserver(time.Since(start))
	}
	return err
}
