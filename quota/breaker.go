package quota

import (
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Actions pass through.
	BreakerOpen                         // Actions denied until the cooldown elapses.
	BreakerHalfOpen                     // Probe actions allowed to test recovery.
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "closed"
}

// Breaker trips after consecutive action failures for one user.
// Time is passed in by the caller so the governor's clock drives it.
type Breaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	threshold   int           // consecutive failures before opening
	cooldown    time.Duration // how long to stay open before half-open
	halfOpenMax int           // successes in half-open before closing
	openedAt    time.Time
}

// NewBreaker returns a closed breaker. Non-positive arguments fall back to
// 5 failures and a 15 minute cooldown.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 15 * time.Minute
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, halfOpenMax: 1}
}

// State returns the breaker state at now.
func (b *Breaker) State(now time.Time) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransition(now)
	return b.state
}

// Allow reports whether an action may run at now and, if not, how long
// until the breaker half-opens.
func (b *Breaker) Allow(now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransition(now)
	if b.state != BreakerOpen {
		return true, 0
	}
	return false, b.openedAt.Add(b.cooldown).Sub(now)
}

// RecordSuccess resets the consecutive-failure count.
func (b *Breaker) RecordSuccess(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransition(now)
	switch b.state {
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.halfOpenMax {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	case BreakerClosed:
		b.failures = 0
	}
}

// RecordFailure counts a failure. Returns true when this failure opened
// the breaker.
func (b *Breaker) RecordFailure(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransition(now)
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = BreakerOpen
			b.openedAt = now
			return true
		}
	case BreakerHalfOpen:
		// Any failure in half-open goes back to open.
		b.state = BreakerOpen
		b.openedAt = now
		b.successes = 0
		return true
	}
	return false
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.successes = 0
}

// Must be called with mu held.
func (b *Breaker) maybeTransition(now time.Time) {
	if b.state == BreakerOpen && now.Sub(b.openedAt) >= b.cooldown {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
}
