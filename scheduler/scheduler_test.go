package scheduler_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/snaplinked/browser"
	"github.com/hazyhaar/snaplinked/browser/fakedom"
	"github.com/hazyhaar/snaplinked/clock"
	"github.com/hazyhaar/snaplinked/core"
	"github.com/hazyhaar/snaplinked/dbopen"
	"github.com/hazyhaar/snaplinked/events"
	"github.com/hazyhaar/snaplinked/executor"
	"github.com/hazyhaar/snaplinked/quota"
	"github.com/hazyhaar/snaplinked/scheduler"
	"github.com/hazyhaar/snaplinked/store"
	"github.com/hazyhaar/snaplinked/vault"
)

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type env struct {
	st   *store.Store
	site *fakedom.Site
	clk  *clock.Fake
	m    *browser.Manager
	gov  *quota.Governor
	svc  *scheduler.Service
	uid  string

	mu     sync.Mutex
	events []events.Event
	onEv   func(events.Event)
}

func newEnv(t *testing.T, posts int, runner scheduler.Runner, opts ...scheduler.Option) *env {
	t.Helper()
	ctx := context.Background()
	e := &env{st: store.New(dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema)))}
	u := &core.User{Email: "ana@example.com", IsActive: true, AutomationEnabled: true}
	if err := e.st.CreateUser(ctx, u, t0); err != nil {
		t.Fatal(err)
	}
	e.uid = u.ID
	v, err := vault.New([]byte("0123456789abcdef0123456789abcdef"), e.st)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Put(ctx, u.ID, vault.Credentials{Kind: vault.KindPassword, Email: "ana@example.com", Password: "pw-123456"}, t0); err != nil {
		t.Fatal(err)
	}
	e.site = fakedom.NewSite("ana@example.com", "pw-123456")
	e.site.Handle(browser.FeedURL, func(p *fakedom.Page) {
		for i := range posts {
			p.Add(likePost(fmt.Sprintf("urn:li:activity:%d", i+1)))
		}
	})
	e.clk = clock.NewFake(t0)
	e.m = browser.NewManager(e.site.Driver(), e.st, v, v, browser.WithClock(e.clk))
	t.Cleanup(func() { e.m.Shutdown(context.Background()) })
	e.gov = quota.New(e.st)
	if runner == nil {
		runner = executor.New(executor.WithClock(e.clk), executor.WithNetwork(e.st))
	}
	sink := events.NewCallback(func(_ context.Context, ev events.Event) error {
		e.mu.Lock()
		e.events = append(e.events, ev)
		fn := e.onEv
		e.mu.Unlock()
		if fn != nil {
			fn(ev)
		}
		return nil
	})
	opts = append([]scheduler.Option{scheduler.WithClock(e.clk), scheduler.WithSinks(sink)}, opts...)
	e.svc = scheduler.New(e.st, e.gov, e.m, runner, opts...)
	return e
}

func likePost(urn string) *fakedom.Element {
	btn := fakedom.El(`button.react-button__trigger`).WithAttr("aria-pressed", "false").
		OnClick(func(_ *fakedom.Page, el *fakedom.Element) error {
			el.WithAttr("aria-pressed", "true")
			return nil
		})
	return fakedom.El(`div.feed-shared-update-v2[data-urn]`).WithAttr("data-urn", urn).Child(btn)
}

func (e *env) enqueueLikes(t *testing.T, n int) string {
	t.Helper()
	id, err := e.svc.Enqueue(context.Background(), e.uid, core.JobSpec{
		Kind:   core.KindLikePosts,
		Params: json.RawMessage(fmt.Sprintf(`{"target_count":%d}`, n)),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func (e *env) runOnce(t *testing.T) *core.Job {
	t.Helper()
	j, err := e.svc.RunOnce(context.Background(), "w1")
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	return j
}

func (e *env) seen() []events.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]events.Event(nil), e.events...)
}

func describe(evs []events.Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		if ev.Type == events.JobProgress {
			out = append(out, fmt.Sprintf("%s(%d,%d)", ev.Type, ev.Done, ev.Total))
			continue
		}
		out = append(out, string(ev.Type))
	}
	return out
}

// WHAT: a 3-like job for a user with empty windows runs end to end.
// WHY: the canonical happy path: logs, counters and the event sequence.
func TestLikeJobEndToEnd(t *testing.T) {
	e := newEnv(t, 3, nil)
	ctx := context.Background()
	id := e.enqueueLikes(t, 3)

	j := e.runOnce(t)
	if j.ID != id || j.Status != core.StatusCompleted {
		t.Fatalf("job %s status %s (%s)", j.ID, j.Status, j.ErrorKind)
	}

	logs, err := e.st.ActionLogs(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 3 {
		t.Fatalf("logs = %d, want 3", len(logs))
	}
	for i, l := range logs {
		if !l.Success || l.Action != core.ActionLike || l.ItemIndex != i {
			t.Fatalf("log %d = %+v", i, l)
		}
	}
	c, err := e.svc.DailyUsage(ctx, e.uid, "")
	if err != nil {
		t.Fatal(err)
	}
	if c.Likes != 3 {
		t.Fatalf("likes = %d, want 3", c.Likes)
	}

	want := []string{"job_enqueued", "job_started", "job_progress(1,3)", "job_progress(2,3)", "job_progress(3,3)", "job_completed"}
	got := describe(e.seen())
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events = %v\nwant     %v", got, want)
	}
	if string(j.Params) != `{"target_count":3}` {
		t.Fatalf("params = %s", j.Params)
	}
}

// WHAT: the user's daily like budget is already spent.
// WHY: a quota deny defers the job to the next UTC midnight, never fails it.
func TestQuotaExhaustedDefersToMidnight(t *testing.T) {
	e := newEnv(t, 3, nil)
	ctx := context.Background()
	if err := e.st.SetDailyLimits(ctx, e.uid, core.DailyLimits{Like: 2}, t0); err != nil {
		t.Fatal(err)
	}
	e.enqueueLikes(t, 2)
	if j := e.runOnce(t); j.Status != core.StatusCompleted {
		t.Fatalf("first job %s", j.Status)
	}

	id := e.enqueueLikes(t, 1)
	before := len(e.seen())
	now := e.clk.Now()
	j := e.runOnce(t)
	if j.ID != id || j.Status != core.StatusPending {
		t.Fatalf("job %s status %s", j.ID, j.Status)
	}
	if want := clock.NextUTCMidnight(now); !j.EligibleAt.Equal(want) {
		t.Fatalf("eligible_at = %v, want %v", j.EligibleAt, want)
	}
	if j.Attempts != 0 {
		t.Fatalf("attempts = %d, a deferral must not consume one", j.Attempts)
	}

	evs := e.seen()[before:]
	if len(evs) != 1 || evs[0].Type != events.QuotaWarning {
		t.Fatalf("events = %v", describe(evs))
	}
	w := evs[0]
	if w.Action != core.ActionLike || w.Remaining == nil || *w.Remaining != 0 || w.Reason != "quota_exhausted" {
		t.Fatalf("warning = %+v", w)
	}
	if _, err := e.svc.RunOnce(ctx, "w1"); !errors.Is(err, core.ErrNoWork) {
		t.Fatalf("second claim: %v, want ErrNoWork", err)
	}
}

func TestEnqueueValidation(t *testing.T) {
	e := newEnv(t, 0, nil)
	ctx := context.Background()
	_, err := e.svc.Enqueue(ctx, e.uid, core.JobSpec{Kind: core.KindLikePosts, Params: json.RawMessage(`{"target_count":0}`)})
	if core.KindOf(err) != core.ErrInvalidSpecKind {
		t.Fatalf("kind = %s (%v)", core.KindOf(err), err)
	}
	_, err = e.svc.Enqueue(ctx, e.uid, core.JobSpec{Kind: "poke", Params: json.RawMessage(`{}`)})
	if !errors.Is(err, core.ErrInvalidSpec) {
		t.Fatalf("unknown kind: %v", err)
	}
	_, err = e.svc.Enqueue(ctx, "usr_missing", core.JobSpec{Kind: core.KindLikePosts, Params: json.RawMessage(`{"target_count":1}`)})
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("unknown user: %v", err)
	}
	if len(e.seen()) != 0 {
		t.Fatalf("rejected specs emitted %v", describe(e.seen()))
	}
}

func TestCancelPendingJob(t *testing.T) {
	e := newEnv(t, 3, nil)
	ctx := context.Background()
	id := e.enqueueLikes(t, 3)

	st, err := e.svc.Cancel(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if st != core.StatusCancelled {
		t.Fatalf("status = %s", st)
	}
	if _, err := e.svc.RunOnce(ctx, "w1"); !errors.Is(err, core.ErrNoWork) {
		t.Fatalf("claim after cancel: %v", err)
	}
	got := describe(e.seen())
	if fmt.Sprint(got) != "[job_enqueued job_cancelled]" {
		t.Fatalf("events = %v", got)
	}
	// A second cancel leaves the terminal state alone.
	if st, _ := e.svc.Cancel(ctx, id); st != core.StatusCancelled {
		t.Fatalf("second cancel = %s", st)
	}
	if _, err := e.svc.Cancel(ctx, "job_missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("missing job: %v", err)
	}
}

// WHAT: cancel arrives while the job is running, right after the 2nd like.
// WHY: the run must stop at the next pause without a 3rd action.
func TestCancelRunningJob(t *testing.T) {
	e := newEnv(t, 5, nil)
	ctx := context.Background()
	id := e.enqueueLikes(t, 5)
	e.onEv = func(ev events.Event) {
		if ev.Type == events.JobProgress && ev.Done == 2 {
			if _, err := e.svc.Cancel(ctx, id); err != nil {
				t.Errorf("cancel: %v", err)
			}
		}
	}

	j := e.runOnce(t)
	if j.Status != core.StatusCancelled {
		t.Fatalf("status = %s", j.Status)
	}
	logs, _ := e.st.ActionLogs(ctx, id)
	if len(logs) != 2 {
		t.Fatalf("logs = %d, want 2", len(logs))
	}
	evs := e.seen()
	if last := evs[len(evs)-1]; last.Type != events.JobCancelled || last.Done != 2 {
		t.Fatalf("last event = %+v", last)
	}
}

// WHAT: the browser cannot launch on every attempt.
// WHY: network errors retry with doubling backoff until max_attempts.
func TestRetryBackoffThenFail(t *testing.T) {
	e := newEnv(t, 1, nil)
	e.clk.SetJitterFraction(0.5)
	e.site.LaunchErr = errors.New("chrome crashed")
	id := e.enqueueLikes(t, 1)

	for i, wait := range []time.Duration{30 * time.Second, 60 * time.Second} {
		j := e.runOnce(t)
		if j.Status != core.StatusPending || j.ErrorKind != core.ErrNetwork {
			t.Fatalf("attempt %d: status %s kind %s", i+1, j.Status, j.ErrorKind)
		}
		if got := j.EligibleAt.Sub(e.clk.Now()); got != wait {
			t.Fatalf("attempt %d: backoff %v, want %v", i+1, got, wait)
		}
		if _, err := e.svc.RunOnce(context.Background(), "w1"); !errors.Is(err, core.ErrNoWork) {
			t.Fatalf("claimed before eligible: %v", err)
		}
		e.clk.Advance(wait)
	}
	j := e.runOnce(t)
	if j.ID != id || j.Status != core.StatusFailed || j.ErrorKind != core.ErrNetwork || j.Attempts != 3 {
		t.Fatalf("final: %+v", j)
	}
	var reasons []string
	for _, ev := range e.seen() {
		if ev.Type == events.JobFailed {
			reasons = append(reasons, ev.Reason)
		}
	}
	if fmt.Sprint(reasons) != "[retrying retrying ]" {
		t.Fatalf("failed reasons = %q", reasons)
	}
}

type panicRunner struct{ calls int }

func (p *panicRunner) Execute(context.Context, executor.Session, executor.Run) executor.Outcome {
	p.calls++
	panic("selector table is nil")
}

func TestPanicIsInternalErrorRetriedOnce(t *testing.T) {
	r := &panicRunner{}
	e := newEnv(t, 1, r)
	e.enqueueLikes(t, 1)

	j := e.runOnce(t)
	if j.Status != core.StatusPending || j.ErrorKind != core.ErrInternal {
		t.Fatalf("first: %s %s", j.Status, j.ErrorKind)
	}
	e.clk.Advance(time.Hour)
	j = e.runOnce(t)
	if j.Status != core.StatusFailed || j.ErrorKind != core.ErrInternal {
		t.Fatalf("second: %s %s", j.Status, j.ErrorKind)
	}
	if r.calls != 2 {
		t.Fatalf("calls = %d", r.calls)
	}
	// The worker survives: a fresh job is still claimable.
	e.enqueueLikes(t, 1)
	if _, err := e.svc.RunOnce(context.Background(), "w1"); err != nil {
		t.Fatalf("after panic: %v", err)
	}
}

func TestChallengeDisablesAutomation(t *testing.T) {
	e := newEnv(t, 1, nil)
	e.site.Challenge = true
	e.enqueueLikes(t, 1)
	other := e.enqueueLikes(t, 1)

	j := e.runOnce(t)
	if j.Status != core.StatusFailed || j.ErrorKind != core.ErrChallengeRequired {
		t.Fatalf("job: %s %s", j.Status, j.ErrorKind)
	}
	u, err := e.st.GetUser(context.Background(), e.uid)
	if err != nil {
		t.Fatal(err)
	}
	if u.AutomationEnabled {
		t.Fatal("automation still enabled")
	}
	evs := e.seen()
	if last := evs[len(evs)-1]; last.Type != events.QuotaWarning || last.Reason != "disabled" {
		t.Fatalf("last event = %+v", last)
	}
	if _, err := e.svc.RunOnce(context.Background(), "w1"); !errors.Is(err, core.ErrNoWork) {
		t.Fatalf("disabled user still claimable: %v", err)
	}
	if j, _ := e.svc.Get(context.Background(), other); j.Status != core.StatusPending {
		t.Fatalf("queued job = %s", j.Status)
	}
}

// WHAT: Run replays a job a crashed worker left running, then drains the
// rest of the queue on the pool.
// WHY: boot recovery and the dispatcher wake path.
func TestRunRecoversAndDrains(t *testing.T) {
	e := newEnv(t, 2, nil, scheduler.WithConfig(scheduler.Config{Workers: 2}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := e.enqueueLikes(t, 1)
	if _, err := e.st.ClaimNextJob(ctx, "crashed-1", e.clk.Now()); err != nil {
		t.Fatal(err)
	}
	second := e.enqueueLikes(t, 2)

	done := make(chan string, 4)
	e.mu.Lock()
	e.onEv = func(ev events.Event) {
		if ev.Type == events.JobCompleted {
			done <- ev.JobID
		}
	}
	e.mu.Unlock()

	errc := make(chan error, 1)
	go func() { errc <- e.svc.Run(ctx) }()

	var got []string
	for len(got) < 2 {
		select {
		case id := <-done:
			got = append(got, id)
		case <-time.After(10 * time.Second):
			t.Fatalf("completed %v, want both jobs", got)
		}
	}
	if got[0] != first || got[1] != second {
		t.Fatalf("order = %v, want [%s %s]", got, first, second)
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("run: %v", err)
	}
	j, _ := e.svc.Get(context.Background(), first)
	if j.Attempts != 1 {
		t.Fatalf("replayed job attempts = %d, want 1", j.Attempts)
	}
}

func TestStatsAndUsage(t *testing.T) {
	e := newEnv(t, 2, nil)
	ctx := context.Background()
	e.enqueueLikes(t, 2)
	e.runOnce(t)
	e.enqueueLikes(t, 1)

	s, err := e.svc.Stats(ctx, e.uid)
	if err != nil {
		t.Fatal(err)
	}
	if s.Queue.Completed != 1 || s.Queue.Pending != 1 {
		t.Fatalf("queue = %+v", s.Queue)
	}
	if s.Remaining[core.ActionLike] != 98 || s.Breaker != "closed" {
		t.Fatalf("stats = %+v", s)
	}
	if _, err := e.svc.DailyUsage(ctx, e.uid, "10/03/2026"); !errors.Is(err, core.ErrInvalidSpec) {
		t.Fatalf("bad date: %v", err)
	}
	c, err := e.svc.DailyUsage(ctx, e.uid, "2026-03-09")
	if err != nil || c.Likes != 0 {
		t.Fatalf("yesterday = %+v, %v", c, err)
	}
}

func TestMaintainAppliesRetention(t *testing.T) {
	e := newEnv(t, 1, nil)
	ctx := context.Background()
	e.enqueueLikes(t, 1)
	done := e.runOnce(t)

	e.clk.Advance(25 * time.Hour)
	r := e.svc.Maintain(ctx)
	if r.Jobs != 1 || r.Logs != 0 {
		t.Fatalf("after 25h: %+v", r)
	}
	if r.Sessions != 1 {
		t.Fatalf("idle session not reaped: %+v", r)
	}
	if _, err := e.svc.Get(ctx, done.ID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("purged job: %v", err)
	}

	e.clk.Advance(30 * 24 * time.Hour)
	if r := e.svc.Maintain(ctx); r.Logs != 1 {
		t.Fatalf("after 31d: %+v", r)
	}
}

func TestSessionChangedPublishes(t *testing.T) {
	e := newEnv(t, 0, nil)
	e.svc.SessionChanged(browser.StateChange{UserID: e.uid, From: core.SessionLoggingIn, To: core.SessionReady, At: t0})
	evs := e.seen()
	if len(evs) != 1 || evs[0].Type != events.SessionStateChanged || evs[0].State != "ready" {
		t.Fatalf("events = %+v", evs)
	}
}

func TestBackoffDelay(t *testing.T) {
	clk := clock.NewFake(t0)
	clk.SetJitterFraction(0.5)
	b := scheduler.Backoff{Base: 30 * time.Second, Factor: 2, Max: 15 * time.Minute, Jitter: 0.25}
	for attempt, want := range map[int]time.Duration{
		1: 30 * time.Second,
		2: time.Minute,
		3: 2 * time.Minute,
		6: 15 * time.Minute,
		9: 15 * time.Minute,
	} {
		if got := b.Delay(clk, attempt); got != want {
			t.Errorf("attempt %d: %v, want %v", attempt, got, want)
		}
	}
	clk.SetJitterFraction(0)
	if got := b.Delay(clk, 1); got != 22500*time.Millisecond {
		t.Errorf("low jitter = %v", got)
	}
}

type runnerFunc func(ctx context.Context, s executor.Session, r executor.Run) executor.Outcome

func (f runnerFunc) Execute(ctx context.Context, s executor.Session, r executor.Run) executor.Outcome {
	return f(ctx, s, r)
}

// WHAT: the user cancels while the run is still logging in, and the run
// then ends on a network error.
// WHY: a retriable failure must not put a cancelled job back in the queue.
func TestCancelSurvivesRetriableFailure(t *testing.T) {
	var e *env
	e = newEnv(t, 1, runnerFunc(func(ctx context.Context, _ executor.Session, r executor.Run) executor.Outcome {
		if st, err := e.svc.Cancel(ctx, r.Job.ID); err != nil || st != core.StatusRunning {
			t.Errorf("cancel = %s, %v", st, err)
		}
		return executor.Outcome{Terminal: core.ErrNetwork, Err: errors.New("connection reset")}
	}))
	ctx := context.Background()
	id := e.enqueueLikes(t, 1)

	j := e.runOnce(t)
	if j.ID != id || j.Status != core.StatusCancelled || j.ErrorKind != core.ErrCancelled {
		t.Fatalf("job = %s %s", j.Status, j.ErrorKind)
	}
	e.clk.Advance(time.Hour)
	if _, err := e.svc.RunOnce(ctx, "w1"); !errors.Is(err, core.ErrNoWork) {
		t.Fatalf("cancelled job claimed again: %v", err)
	}
	var failed int
	for _, ev := range e.seen() {
		if ev.Type == events.JobFailed {
			failed++
		}
	}
	evs := e.seen()
	if last := evs[len(evs)-1]; last.Type != events.JobCancelled || failed != 0 {
		t.Fatalf("events = %v", describe(evs))
	}
}

// WHAT: the worker shuts down right after the 2nd of 5 likes, then the
// job runs again.
// WHY: the second run continues from the committed logs, so every like
// performed is logged and counted exactly once.
func TestShutdownResumesFromCommittedLogs(t *testing.T) {
	e := newEnv(t, 5, nil)
	id := e.enqueueLikes(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.mu.Lock()
	e.onEv = func(ev events.Event) {
		if ev.Type == events.JobProgress && ev.Done == 2 {
			cancel()
		}
	}
	e.mu.Unlock()

	j, err := e.svc.RunOnce(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != core.StatusPending || j.Attempts != 0 {
		t.Fatalf("after shutdown: %s attempts=%d", j.Status, j.Attempts)
	}
	bg := context.Background()
	if logs, _ := e.st.ActionLogs(bg, id); len(logs) != 2 {
		t.Fatalf("logs after shutdown = %d, want 2", len(logs))
	}

	e.mu.Lock()
	e.onEv = nil
	e.mu.Unlock()
	j = e.runOnce(t)
	if j.ID != id || j.Status != core.StatusCompleted || j.Attempts != 1 {
		t.Fatalf("after replay: %s attempts=%d", j.Status, j.Attempts)
	}
	logs, err := e.st.ActionLogs(bg, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 5 {
		t.Fatalf("logs = %d, want 5", len(logs))
	}
	for i, l := range logs {
		if l.ItemIndex != i || l.Attempt != 1 || !l.Success {
			t.Fatalf("log %d = %+v", i, l)
		}
	}
	c, _ := e.svc.DailyUsage(bg, e.uid, "")
	if c.Likes != 5 {
		t.Fatalf("likes counter = %d, want 5", c.Likes)
	}
	if n := e.site.Count("click button.react-button__trigger"); n != 5 {
		t.Fatalf("likes performed = %d, want 5", n)
	}
	var res map[string]any
	if err := json.Unmarshal(j.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res["succeeded"] != float64(5) || res["target"] != float64(5) {
		t.Fatalf("result = %v", res)
	}
}

// WHAT: the daily like limit is reached after 3 of 5 likes.
// WHY: the remainder is deferred to the next UTC midnight and finished
// then; the job is not completed short.
func TestQuotaMidRunDefersRemainder(t *testing.T) {
	e := newEnv(t, 5, nil)
	ctx := context.Background()
	if err := e.st.SetDailyLimits(ctx, e.uid, core.DailyLimits{Like: 3}, t0); err != nil {
		t.Fatal(err)
	}
	id := e.enqueueLikes(t, 5)

	j := e.runOnce(t)
	midnight := clock.NextUTCMidnight(t0)
	if j.Status != core.StatusPending || j.Attempts != 0 || !j.EligibleAt.Equal(midnight) {
		t.Fatalf("after deny: %s attempts=%d eligible=%v", j.Status, j.Attempts, j.EligibleAt)
	}
	if logs, _ := e.st.ActionLogs(ctx, id); len(logs) != 3 {
		t.Fatalf("logs = %d, want 3", len(logs))
	}
	evs := e.seen()
	if last := evs[len(evs)-1]; last.Type != events.QuotaWarning || last.Reason != "quota_exhausted" || last.Action != core.ActionLike {
		t.Fatalf("last event = %+v", last)
	}
	if _, err := e.svc.RunOnce(ctx, "w1"); !errors.Is(err, core.ErrNoWork) {
		t.Fatalf("claimed before midnight: %v", err)
	}

	e.clk.Advance(midnight.Sub(e.clk.Now()))
	j = e.runOnce(t)
	if j.Status != core.StatusCompleted || j.Attempts != 1 {
		t.Fatalf("next day: %s attempts=%d", j.Status, j.Attempts)
	}
	logs, _ := e.st.ActionLogs(ctx, id)
	if len(logs) != 5 {
		t.Fatalf("logs = %d, want 5", len(logs))
	}
	var res map[string]any
	json.Unmarshal(j.Result, &res)
	if res["succeeded"] != float64(5) || res["stopped"] != nil {
		t.Fatalf("result = %v", res)
	}
	day1, _ := e.svc.DailyUsage(ctx, e.uid, "2026-03-10")
	day2, _ := e.svc.DailyUsage(ctx, e.uid, "2026-03-11")
	if day1.Likes != 3 || day2.Likes != 2 {
		t.Fatalf("likes per day = %d, %d", day1.Likes, day2.Likes)
	}
}

// WHAT: a recurring follow-up scan enqueues its next run, then the run is
// lost before commit and replayed.
// WHY: the replay must find the scan it already enqueued instead of
// starting a second chain.
func TestFollowUpScanReplayKeepsOneChain(t *testing.T) {
	var (
		e     *env
		inner *executor.Executor
		calls int
	)
	e = newEnv(t, 0, runnerFunc(func(ctx context.Context, s executor.Session, r executor.Run) executor.Outcome {
		out := inner.Execute(ctx, s, r)
		calls++
		if calls == 1 {
			return executor.Outcome{Terminal: core.ErrNetwork, Err: errors.New("connection reset")}
		}
		return out
	}))
	inner = executor.New(executor.WithClock(e.clk), executor.WithNetwork(e.st))
	e.site.Handle("https://www.linkedin.com/mynetwork/", func(p *fakedom.Page) {
		p.Add(fakedom.El("li.mn-connection-card").Child(fakedom.El(`a[href*="/in/"]`).WithAttr("href", "/in/ana/")))
	})
	ctx := context.Background()
	scan, err := e.svc.Enqueue(ctx, e.uid, core.JobSpec{
		Kind:   core.KindFollowUp,
		Params: json.RawMessage(`{"delay_days":3,"template":"Oi {first_name}!","repeat":true}`),
	})
	if err != nil {
		t.Fatal(err)
	}

	if j := e.runOnce(t); j.Status != core.StatusPending {
		t.Fatalf("first run: %s", j.Status)
	}
	e.clk.Advance(time.Minute)
	j := e.runOnce(t)
	if j.ID != scan || j.Status != core.StatusCompleted {
		t.Fatalf("replay: %s %s", j.ID, j.Status)
	}

	jobs, err := e.st.ListJobs(ctx, e.uid, core.JobFilter{Kind: core.KindFollowUp})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("follow-up jobs = %d, want the scan and one next run", len(jobs))
	}
	var res map[string]any
	json.Unmarshal(j.Result, &res)
	next := res["next_job_id"]
	if next == nil || (next != jobs[0].ID && next != jobs[1].ID) || next == scan {
		t.Fatalf("next_job_id = %v, jobs = %s %s", next, jobs[0].ID, jobs[1].ID)
	}
	var enqueued int
	for _, ev := range e.seen() {
		if ev.Type == events.JobEnqueued {
			enqueued++
		}
	}
	if enqueued != 2 {
		t.Fatalf("job_enqueued events = %d, want 2", enqueued)
	}
}
