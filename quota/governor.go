// Package quota decides whether a user may perform an action now.
//
// Windows are evaluated in order: per-minute across all actions, per-hour
// per action, per-day per action, then user enablement and the per-user
// circuit breaker. The first exceeded window denies.
//
// Sub-day windows live in memory only and start empty after a restart.
// Day tallies are read from the store's daily counters on first use of a
// (user, day) and then advanced in memory by Commit; the store itself is
// written by the recorder in the job's transaction.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/snaplinked/clock"
	"github.com/hazyhaar/snaplinked/core"
)

// Verdict is the outcome of a quota check.
type Verdict int

const (
	Allow Verdict = iota
	DenyRateLimited
	DenyQuotaExhausted
	DenyDisabled
	DenyCircuitOpen
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case DenyRateLimited:
		return "rate_limited"
	case DenyQuotaExhausted:
		return "quota_exhausted"
	case DenyDisabled:
		return "disabled"
	case DenyCircuitOpen:
		return "circuit_open"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Window names reported in Decision.Window.
const (
	WindowMinute  = "minute"
	WindowHour    = "hour"
	WindowDay     = "day"
	WindowUser    = "user"
	WindowCircuit = "circuit"
)

// Decision is returned by Check.
type Decision struct {
	Verdict Verdict
	Action  core.Action
	// RetryAfter is how long to wait before the action can be allowed.
	// Zero for Allow and DenyDisabled.
	RetryAfter time.Duration
	// Remaining is the daily budget left for Action after this decision,
	// or -1 when the action has no daily limit.
	Remaining int64
	// Window names the window that denied.
	Window string
}

// Allowed reports whether the action may run.
func (d Decision) Allowed() bool { return d.Verdict == Allow }

// Limits configures the governor.
type Limits struct {
	// PerMinute caps successful actions of any kind per user per minute.
	PerMinute int `yaml:"per_minute"`
	// PerHour caps successful actions per kind per user per hour.
	// Missing or zero entries mean no hourly cap.
	PerHour map[core.Action]int `yaml:"per_hour"`
	// Daily is the plan default per kind, used when the user has no
	// limit of their own.
	Daily map[core.Action]int `yaml:"daily"`
	// FailureThreshold consecutive failures open the breaker for Cooldown.
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// DefaultLimits returns the built-in limits.
func DefaultLimits() Limits {
	return Limits{
		PerMinute: 5,
		PerHour: map[core.Action]int{
			core.ActionLike:    50,
			core.ActionComment: 20,
		},
		Daily: map[core.Action]int{
			core.ActionLike:     100,
			core.ActionComment:  30,
			core.ActionConnect:  100,
			core.ActionView:     150,
			core.ActionFollowUp: 50,
		},
		FailureThreshold: 5,
		Cooldown:         15 * time.Minute,
	}
}

// Store is what the governor reads.
type Store interface {
	GetUser(ctx context.Context, id string) (*core.User, error)
	ReadCounters(ctx context.Context, userID, day string) (core.Counters, error)
}

// Governor answers "may user U perform action A now?".
type Governor struct {
	store  Store
	limits Limits
	logger *slog.Logger

	mu    sync.Mutex
	users map[string]*userState
}

type userState struct {
	mu      sync.Mutex
	minute  *window
	hour    map[core.Action]*window
	day     string
	loaded  bool
	tally   core.Counters // successes for day, including unpersisted commits
	pending core.Counters // commits made before the day was loaded
	breaker *Breaker
}

// Option configures a Governor.
type Option func(*Governor)

// WithLimits overrides DefaultLimits. Zero fields keep their default.
func WithLimits(l Limits) Option {
	return func(g *Governor) {
		d := DefaultLimits()
		if l.PerMinute > 0 {
			d.PerMinute = l.PerMinute
		}
		for k, v := range l.PerHour {
			d.PerHour[k] = v
		}
		for k, v := range l.Daily {
			d.Daily[k] = v
		}
		if l.FailureThreshold > 0 {
			d.FailureThreshold = l.FailureThreshold
		}
		if l.Cooldown > 0 {
			d.Cooldown = l.Cooldown
		}
		g.limits = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Governor) { g.logger = l }
}

// New creates a Governor over store.
func New(store Store, opts ...Option) *Governor {
	g := &Governor{
		store:  store,
		limits: DefaultLimits(),
		logger: slog.Default(),
		users:  make(map[string]*userState),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Limits returns the effective limits.
func (g *Governor) Limits() Limits { return g.limits }

func (g *Governor) state(userID string) *userState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.users[userID]
	if !ok {
		st = &userState{
			minute:  newWindow(time.Minute),
			hour:    make(map[core.Action]*window),
			breaker: NewBreaker(g.limits.FailureThreshold, g.limits.Cooldown),
		}
		g.users[userID] = st
	}
	return st
}

// DailyLimit returns u's daily cap for a, or 0 when the action is uncapped.
func (g *Governor) DailyLimit(u *core.User, a core.Action) int {
	var own int
	switch a {
	case core.ActionLike:
		own = u.DailyLimits.Like
	case core.ActionComment:
		own = u.DailyLimits.Comment
	case core.ActionConnect:
		own = u.DailyLimits.Connect
	}
	if own > 0 {
		return own
	}
	return g.limits.Daily[a]
}

// Check evaluates every window for (userID, a) at now. The error is
// non-nil only when the store could not be read.
func (g *Governor) Check(ctx context.Context, userID string, a core.Action, now time.Time) (Decision, error) {
	u, err := g.store.GetUser(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("quota: check: %w", err)
	}

	st := g.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := g.loadDay(ctx, st, userID, now); err != nil {
		return Decision{}, err
	}

	d := Decision{Verdict: Allow, Action: a, Remaining: -1}
	limit := g.DailyLimit(u, a)
	if limit > 0 {
		d.Remaining = max(int64(limit)-st.tally.Get(a), 0)
	}

	if g.limits.PerMinute > 0 && st.minute.count(now) >= g.limits.PerMinute {
		d.Verdict, d.Window = DenyRateLimited, WindowMinute
		d.RetryAfter = st.minute.retryAfter(now, g.limits.PerMinute)
		return d, nil
	}
	if hl := g.limits.PerHour[a]; hl > 0 {
		if w := st.hour[a]; w != nil && w.count(now) >= hl {
			d.Verdict, d.Window = DenyRateLimited, WindowHour
			d.RetryAfter = w.retryAfter(now, hl)
			return d, nil
		}
	}
	if limit > 0 && d.Remaining == 0 {
		d.Verdict, d.Window = DenyQuotaExhausted, WindowDay
		d.RetryAfter = clock.NextUTCMidnight(now).Sub(now)
		return d, nil
	}
	if !u.Schedulable() {
		d.Verdict, d.Window = DenyDisabled, WindowUser
		return d, nil
	}
	if ok, wait := st.breaker.Allow(now); !ok {
		d.Verdict, d.Window = DenyCircuitOpen, WindowCircuit
		d.RetryAfter = wait
		return d, nil
	}
	return d, nil
}

// loadDay rolls st over to the UTC day of now and hydrates the tally from
// the store the first time the day is seen. Caller holds st.mu.
func (g *Governor) loadDay(ctx context.Context, st *userState, userID string, now time.Time) error {
	day := clock.Day(now)
	if st.day != day {
		st.day = day
		st.loaded = false
		st.tally = core.Counters{Date: day}
		st.pending = core.Counters{Date: day}
	}
	if st.loaded {
		return nil
	}
	c, err := g.store.ReadCounters(ctx, userID, day)
	if err != nil {
		return fmt.Errorf("quota: hydrate %s: %w", userID, err)
	}
	st.tally = c.Add(st.pending)
	st.tally.Date = day
	st.pending = core.Counters{Date: day}
	st.loaded = true
	return nil
}

// Commit records one successful action at now. It must be called before
// the next Check for the same user so that check observes it.
func (g *Governor) Commit(userID string, a core.Action, now time.Time) {
	if a == core.ActionScan {
		return
	}
	st := g.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.minute.add(now)
	w := st.hour[a]
	if w == nil {
		w = newWindow(time.Hour)
		st.hour[a] = w
	}
	w.add(now)

	day := clock.Day(now)
	if st.day != day {
		st.day = day
		st.loaded = false
		st.tally = core.Counters{Date: day}
		st.pending = core.Counters{Date: day}
	}
	if st.loaded {
		st.tally = st.tally.Add(single(a))
	} else {
		st.pending = st.pending.Add(single(a))
	}
	st.breaker.RecordSuccess(now)
}

// RecordFailure feeds a failed action into the user's breaker. Failures
// never consume quota. Returns true when the breaker opened.
func (g *Governor) RecordFailure(userID string, kind core.ErrorKind, now time.Time) bool {
	st := g.state(userID)
	opened := st.breaker.RecordFailure(now)
	if opened {
		g.logger.Warn("quota: circuit opened", "user_id", userID, "error_kind", kind,
			"cooldown", g.limits.Cooldown.String())
	}
	return opened
}

// BreakerState reports the user's breaker state at now.
func (g *Governor) BreakerState(userID string, now time.Time) BreakerState {
	return g.state(userID).breaker.State(now)
}

// ResetBreaker closes the user's breaker.
func (g *Governor) ResetBreaker(userID string) {
	g.state(userID).breaker.Reset()
}

// Forget drops the user's in-memory day tally so the next Check re-reads
// the store. Sub-day windows and the breaker are kept.
func (g *Governor) Forget(userID string) {
	st := g.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.day = ""
	st.loaded = false
}

// Remaining reports the daily budget left per action for the user at now.
// Uncapped actions are reported as -1.
func (g *Governor) Remaining(ctx context.Context, userID string, now time.Time) (map[core.Action]int64, error) {
	u, err := g.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("quota: remaining: %w", err)
	}
	st := g.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := g.loadDay(ctx, st, userID, now); err != nil {
		return nil, err
	}
	out := make(map[core.Action]int64)
	for _, a := range []core.Action{core.ActionLike, core.ActionComment, core.ActionConnect, core.ActionView, core.ActionFollowUp} {
		limit := g.DailyLimit(u, a)
		if limit <= 0 {
			out[a] = -1
			continue
		}
		out[a] = max(int64(limit)-st.tally.Get(a), 0)
	}
	return out, nil
}

func single(a core.Action) core.Counters {
	var c core.Counters
	switch a {
	case core.ActionLike:
		c.Likes = 1
	case core.ActionComment:
		c.Comments = 1
	case core.ActionConnect:
		c.Connections = 1
	case core.ActionView:
		c.Views = 1
	case core.ActionFollowUp:
		c.FollowUps = 1
	}
	return c
}

// Budget reports the daily limit for a and what is left of it at now.
// limit is 0 when the action is uncapped.
func (g *Governor) Budget(ctx context.Context, userID string, a core.Action, now time.Time) (remaining, limit int64, err error) {
	u, err := g.store.GetUser(ctx, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("quota: budget: %w", err)
	}
	l := g.DailyLimit(u, a)
	if l <= 0 {
		return -1, 0, nil
	}
	st := g.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := g.loadDay(ctx, st, userID, now); err != nil {
		return 0, 0, err
	}
	return max(int64(l)-st.tally.Get(a), 0), int64(l), nil
}
