// Package clock is the single source of time and randomness for the
// automation core. Every humanized delay goes through a Clock so tests can
// pin both the timeline and the jitter.
package clock

import (
	"context"
	crand "crypto/rand"
	"math/rand/v2"
	"sync"
	"time"
)

// Clock provides time, cancellable sleeps and jitter.
type Clock interface {
	// Now returns the current UTC time truncated to the millisecond.
	Now() time.Time
	// Sleep blocks for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
	// Jitter returns a uniform duration in [lo, hi] at 1 ms resolution.
	Jitter(lo, hi time.Duration) time.Duration
	// Intn returns a uniform int in [0, n). n must be > 0.
	Intn(n int) int
}

// Real is the wall-clock implementation.
type Real struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New returns a Real clock whose generator is seeded from crypto/rand.
func New() *Real {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		panic("clock: crypto/rand failed: " + err.Error())
	}
	return &Real{rng: rand.New(rand.NewChaCha8(seed))}
}

func (r *Real) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func (r *Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

func (r *Real) Jitter(lo, hi time.Duration) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uniform(r.rng, lo, hi)
}

func (r *Real) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.IntN(n)
}

func uniform(rng *rand.Rand, lo, hi time.Duration) time.Duration {
	if hi < lo {
		lo, hi = hi, lo
	}
	loMS, hiMS := lo.Milliseconds(), hi.Milliseconds()
	if hiMS <= loMS {
		return time.Duration(loMS) * time.Millisecond
	}
	return time.Duration(loMS+rng.Int64N(hiMS-loMS+1)) * time.Millisecond
}

// NextUTCMidnight returns the first instant of the UTC day after t.
func NextUTCMidnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

// Day formats t as the UTC calendar day used for daily counters.
func Day(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}
