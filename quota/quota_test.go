package quota_test

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/snaplinked/clock"
	"github.com/hazyhaar/snaplinked/core"
	"github.com/hazyhaar/snaplinked/quota"
)

type fakeStore struct {
	users    map[string]*core.User
	counters map[string]core.Counters
	reads    int
}

func (f *fakeStore) GetUser(_ context.Context, id string) (*core.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeStore) ReadCounters(_ context.Context, userID, day string) (core.Counters, error) {
	f.reads++
	c := f.counters[userID+"/"+day]
	c.Date = day
	return c, nil
}

func newStore(u *core.User) *fakeStore {
	return &fakeStore{
		users:    map[string]*core.User{u.ID: u},
		counters: map[string]core.Counters{},
	}
}

var t0 = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func activeUser() *core.User {
	return &core.User{ID: "usr_1", Email: "u@example.com", IsActive: true, AutomationEnabled: true}
}

func mustCheck(t *testing.T, g *quota.Governor, a core.Action, now time.Time) quota.Decision {
	t.Helper()
	d, err := g.Check(context.Background(), "usr_1", a, now)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

// WHAT: a user whose daily like limit is already reached asks for one more.
// WHY: the job must be deferred to the next UTC midnight with remaining=0.
func TestDailyQuotaExhausted(t *testing.T) {
	u := activeUser()
	u.DailyLimits.Like = 2
	st := newStore(u)
	st.counters["usr_1/"+clock.Day(t0)] = core.Counters{Likes: 2}
	g := quota.New(st)

	d := mustCheck(t, g, core.ActionLike, t0)
	if d.Verdict != quota.DenyQuotaExhausted {
		t.Fatalf("verdict = %s", d.Verdict)
	}
	if d.Remaining != 0 {
		t.Fatalf("remaining = %d", d.Remaining)
	}
	if got, want := t0.Add(d.RetryAfter), clock.NextUTCMidnight(t0); !got.Equal(want) {
		t.Fatalf("retry at %v, want %v", got, want)
	}

	// A new day resets the budget.
	d = mustCheck(t, g, core.ActionLike, clock.NextUTCMidnight(t0))
	if !d.Allowed() || d.Remaining != 2 {
		t.Fatalf("next day: %+v", d)
	}
}

func TestPerMinuteWindow(t *testing.T) {
	g := quota.New(newStore(activeUser()))
	now := t0
	for i := range 5 {
		d := mustCheck(t, g, core.ActionLike, now)
		if !d.Allowed() {
			t.Fatalf("action %d denied: %+v", i, d)
		}
		g.Commit("usr_1", core.ActionLike, now)
		now = now.Add(5 * time.Second)
	}
	d := mustCheck(t, g, core.ActionView, now)
	if d.Verdict != quota.DenyRateLimited || d.Window != quota.WindowMinute {
		t.Fatalf("sixth action: %+v", d)
	}
	// The first hit at t0 frees its slot at t0+1m.
	if got := now.Add(d.RetryAfter); !got.Equal(t0.Add(time.Minute)) {
		t.Fatalf("retry at %v", got)
	}
	if d := mustCheck(t, g, core.ActionView, t0.Add(time.Minute)); !d.Allowed() {
		t.Fatalf("after window: %+v", d)
	}
}

// WHAT: drive actions as fast as the governor allows for ten minutes.
// WHY: no sixty-second span may ever contain more successes than the limit.
func TestMinuteWindowNeverExceeded(t *testing.T) {
	g := quota.New(newStore(activeUser()), quota.WithLimits(quota.Limits{PerHour: map[core.Action]int{core.ActionLike: 1000}}))
	var hits []time.Time
	for now := t0; now.Before(t0.Add(10 * time.Minute)); now = now.Add(700 * time.Millisecond) {
		if d := mustCheck(t, g, core.ActionLike, now); d.Allowed() {
			g.Commit("usr_1", core.ActionLike, now)
			hits = append(hits, now)
		}
	}
	for i := range hits {
		n := 0
		for j := i; j < len(hits) && hits[j].Sub(hits[i]) < time.Minute; j++ {
			n++
		}
		if n > 5 {
			t.Fatalf("%d actions within one minute starting at %v", n, hits[i])
		}
	}
	if len(hits) < 45 {
		t.Fatalf("only %d actions allowed in ten minutes", len(hits))
	}
}

func TestPerHourWindow(t *testing.T) {
	g := quota.New(newStore(activeUser()), quota.WithLimits(quota.Limits{
		PerMinute: 100,
		PerHour:   map[core.Action]int{core.ActionComment: 3},
	}))
	now := t0
	for range 3 {
		if d := mustCheck(t, g, core.ActionComment, now); !d.Allowed() {
			t.Fatalf("denied early: %+v", d)
		}
		g.Commit("usr_1", core.ActionComment, now)
		now = now.Add(time.Minute)
	}
	d := mustCheck(t, g, core.ActionComment, now)
	if d.Verdict != quota.DenyRateLimited || d.Window != quota.WindowHour {
		t.Fatalf("got %+v", d)
	}
	// Other kinds are unaffected.
	if d := mustCheck(t, g, core.ActionLike, now); !d.Allowed() {
		t.Fatalf("like denied: %+v", d)
	}
}

func TestDisabledUser(t *testing.T) {
	u := activeUser()
	u.AutomationEnabled = false
	g := quota.New(newStore(u))
	if d := mustCheck(t, g, core.ActionLike, t0); d.Verdict != quota.DenyDisabled {
		t.Fatalf("got %+v", d)
	}
}

func TestCircuitBreaker(t *testing.T) {
	g := quota.New(newStore(activeUser()))
	now := t0
	for i := range 5 {
		opened := g.RecordFailure("usr_1", core.ErrDomDrift, now)
		if opened != (i == 4) {
			t.Fatalf("failure %d opened=%v", i, opened)
		}
	}
	d := mustCheck(t, g, core.ActionLike, now)
	if d.Verdict != quota.DenyCircuitOpen || d.RetryAfter != 15*time.Minute {
		t.Fatalf("got %+v", d)
	}
	later := now.Add(15 * time.Minute)
	if g.BreakerState("usr_1", later) != quota.BreakerHalfOpen {
		t.Fatal("breaker should half-open after cooldown")
	}
	if d := mustCheck(t, g, core.ActionLike, later); !d.Allowed() {
		t.Fatalf("probe denied: %+v", d)
	}
	g.Commit("usr_1", core.ActionLike, later)
	if g.BreakerState("usr_1", later) != quota.BreakerClosed {
		t.Fatal("success in half-open should close")
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	g := quota.New(newStore(activeUser()))
	for range 4 {
		g.RecordFailure("usr_1", core.ErrNetwork, t0)
	}
	g.Commit("usr_1", core.ActionLike, t0)
	if g.RecordFailure("usr_1", core.ErrNetwork, t0) {
		t.Fatal("streak should have been reset by a success")
	}
}

func TestCommitIsReadYourWrites(t *testing.T) {
	u := activeUser()
	u.DailyLimits.Connect = 2
	st := newStore(u)
	g := quota.New(st)

	if d := mustCheck(t, g, core.ActionConnect, t0); d.Remaining != 2 {
		t.Fatalf("remaining = %d", d.Remaining)
	}
	g.Commit("usr_1", core.ActionConnect, t0)
	if d := mustCheck(t, g, core.ActionConnect, t0.Add(time.Minute)); d.Remaining != 1 {
		t.Fatalf("remaining after commit = %d", d.Remaining)
	}
	if st.reads != 1 {
		t.Fatalf("store read %d times, want 1", st.reads)
	}

	rem, err := g.Remaining(context.Background(), "usr_1", t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if rem[core.ActionConnect] != 1 || rem[core.ActionLike] != 100 {
		t.Fatalf("remaining = %v", rem)
	}
}

func TestHydrateFromStore(t *testing.T) {
	u := activeUser()
	st := newStore(u)
	st.counters["usr_1/"+clock.Day(t0)] = core.Counters{Comments: 29}
	g := quota.New(st)
	d := mustCheck(t, g, core.ActionComment, t0)
	if !d.Allowed() || d.Remaining != 1 {
		t.Fatalf("got %+v", d)
	}
	g.Commit("usr_1", core.ActionComment, t0)
	if d := mustCheck(t, g, core.ActionComment, t0.Add(time.Minute)); d.Verdict != quota.DenyQuotaExhausted {
		t.Fatalf("got %+v", d)
	}
}

func TestBudget(t *testing.T) {
	u := activeUser()
	u.DailyLimits.Like = 10
	st := newStore(u)
	st.counters["usr_1/"+clock.Day(t0)] = core.Counters{Likes: 8}
	g := quota.New(st)

	rem, limit, err := g.Budget(context.Background(), "usr_1", core.ActionLike, t0)
	if err != nil {
		t.Fatal(err)
	}
	if rem != 2 || limit != 10 {
		t.Fatalf("budget = %d/%d, want 2/10", rem, limit)
	}
	g.Commit("usr_1", core.ActionLike, t0)
	if rem, _, _ = g.Budget(context.Background(), "usr_1", core.ActionLike, t0); rem != 1 {
		t.Fatalf("after commit remaining = %d, want 1", rem)
	}

	rem, limit, err = g.Budget(context.Background(), "usr_1", core.ActionScan, t0)
	if err != nil || rem != -1 || limit != 0 {
		t.Fatalf("scan budget = %d/%d err %v", rem, limit, err)
	}
}
