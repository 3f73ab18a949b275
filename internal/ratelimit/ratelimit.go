// Package ratelimit bounds how fast each API user may start sandbox
// sessions. Token buckets refill lazily on Allow; there is no
// background goroutine.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/jkaninda/sandstorm/internal/config"
)

// ErrRateLimited is returned when a user has exhausted their bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Buckets idle longer than this are pruned on the next Allow call.
const idleTTL = 10 * time.Minute

// Limiter hands out session slots per user. Each user gets an
// independent bucket, so one noisy caller cannot starve the rest.
type Limiter struct {
	mu        sync.Mutex
	users     map[string]*bucket
	rate      float64 // tokens per second
	burst     float64
	lastPrune time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter builds a limiter from the server rate-limit settings.
// A zero RequestsPerMinute means unlimited.
func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		users:     make(map[string]*bucket),
		rate:      float64(cfg.RequestsPerMinute) / 60.0,
		burst:     float64(burst),
		lastPrune: time.Now(),
	}
}

// Allow consumes one token from the user's bucket, or returns
// ErrRateLimited when the bucket is empty. New users start full.
func (l *Limiter) Allow(userID string) error {
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.maybePrune(now)

	b, ok := l.users[userID]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.users[userID] = b
	}

	b.tokens += now.Sub(b.lastFill).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// maybePrune drops buckets untouched for idleTTL. Caller holds the lock.
func (l *Limiter) maybePrune(now time.Time) {
	if now.Sub(l.lastPrune) < idleTTL {
		return
	}
	for id, b := range l.users {
		if now.Sub(b.lastFill) >= idleTTL {
			delete(l.users, id)
		}
	}
	l.lastPrune = now
}
