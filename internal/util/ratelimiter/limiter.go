// Package ratelimiter throttles user-triggered actions such as manual
// portal downloads.
package ratelimiter

import (
	"sync"
	"time"
)

// Limiter allows one action per interval for each key. It is safe for
// concurrent use.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	now      func() time.Time
	last     map[string]time.Time
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter allowing at most one action per interval and key.
// A non-positive interval disables limiting.
func New(interval time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		interval: interval,
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records the action for key and returns true, or returns false with
// the remaining wait when key acted less than one interval ago.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if l.interval <= 0 {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if last, ok := l.last[key]; ok {
		if elapsed := now.Sub(last); elapsed < l.interval {
			return false, l.interval - elapsed
		}
	}
	l.last[key] = now
	l.prune(now)
	return true, 0
}

// Reset forgets key so its next action is allowed immediately; used when
// an allowed action was rejected further down.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	delete(l.last, key)
	l.mu.Unlock()
}

// Remaining returns how long key still has to wait, zero when it may act.
func (l *Limiter) Remaining(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	last, ok := l.last[key]
	if !ok {
		return 0
	}
	if wait := l.interval - l.now().Sub(last); wait > 0 {
		return wait
	}
	return 0
}

// Interval returns the configured interval
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// prune drops keys whose interval has elapsed; caller holds mu
func (l *Limiter) prune(now time.Time) {
	for k, t := range l.last {
		if now.Sub(t) >= l.interval {
			delete(l.last, k)
		}
	}
}
