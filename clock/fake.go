package clock

import (
	"context"
	"sync"
	"time"
)

// Fake is a deterministic Clock. Sleep advances virtual time instantly and
// records the requested duration. Jitter returns lo + Frac·(hi-lo).
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	frac   float64
	ints   []int
	onSlp  func(d time.Duration)
}

// NewFake returns a Fake starting at start with jitter pinned to the lower
// bound.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC().Truncate(time.Millisecond)}
}

// SetJitterFraction pins Jitter to lo + f·(hi-lo), f in [0,1].
func (f *Fake) SetJitterFraction(frac float64) {
	f.mu.Lock()
	f.frac = frac
	f.mu.Unlock()
}

// QueueInts queues values returned by successive Intn calls (modulo n).
// When the queue is empty Intn returns 0.
func (f *Fake) QueueInts(v ...int) {
	f.mu.Lock()
	f.ints = append(f.ints, v...)
	f.mu.Unlock()
}

// OnSleep registers a hook invoked after each Sleep advanced the clock.
// Tests use it to act at humanization boundaries.
func (f *Fake) OnSleep(fn func(d time.Duration)) {
	f.mu.Lock()
	f.onSlp = fn
	f.mu.Unlock()
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	if d > 0 {
		f.now = f.now.Add(d)
	}
	f.sleeps = append(f.sleeps, d)
	hook := f.onSlp
	f.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

func (f *Fake) Jitter(lo, hi time.Duration) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hi < lo {
		lo, hi = hi, lo
	}
	d := lo + time.Duration(f.frac*float64(hi-lo))
	return d.Truncate(time.Millisecond)
}

func (f *Fake) Intn(n int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ints) == 0 {
		return 0
	}
	v := f.ints[0]
	f.ints = f.ints[1:]
	return ((v % n) + n) % n
}

// Advance moves virtual time forward without recording a sleep.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set moves virtual time to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t.UTC().Truncate(time.Millisecond)
	f.mu.Unlock()
}

// Sleeps returns a copy of every duration passed to Sleep.
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.sleeps))
	copy(out, f.sleeps)
	return out
}
