package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/snaplinked/browser"
	"github.com/hazyhaar/snaplinked/browser/fakedom"
	"github.com/hazyhaar/snaplinked/clock"
	"github.com/hazyhaar/snaplinked/config"
	"github.com/hazyhaar/snaplinked/core"
	"github.com/hazyhaar/snaplinked/dbopen"
	"github.com/hazyhaar/snaplinked/vault"
)

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	for _, k := range []string{"GEMINI_API_KEY", "OPENAI_API_KEY", "REDIS_ADDR", "AMQP_URL", "WEBHOOK_URL", "SNAPLINKED_DB"} {
		t.Setenv(k, "")
	}
	t.Setenv("JWT_SECRET", "jwt-secret-jwt-secret-jwt-secret-01")
	t.Setenv("VAULT_KEY", "vault-key-vault-key-vault-key-0001")
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

type fixture struct {
	eng  *Engine
	site *fakedom.Site
	clk  *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{site: fakedom.NewSite("ana@example.com", "pw-123456"), clk: clock.NewFake(t0)}
	f.site.Handle(browser.FeedURL, func(p *fakedom.Page) {
		for i := range 3 {
			p.Add(likePost(fmt.Sprintf("urn:li:activity:%d", i+1)))
		}
	})
	eng, err := New(context.Background(), testConfig(t),
		WithDB(dbopen.OpenMemory(t)),
		WithDriver(f.site.Driver()),
		WithClock(f.clk),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		eng.browsers.Shutdown(context.Background())
		eng.Close()
	})
	f.eng = eng
	return f
}

func likePost(urn string) *fakedom.Element {
	btn := fakedom.El(`button.react-button__trigger`).WithAttr("aria-pressed", "false").
		OnClick(func(_ *fakedom.Page, el *fakedom.Element) error {
			el.WithAttr("aria-pressed", "true")
			return nil
		})
	return fakedom.El(`div.feed-shared-update-v2[data-urn]`).WithAttr("data-urn", urn).Child(btn)
}

func (f *fixture) user(t *testing.T, email string) string {
	t.Helper()
	u := &core.User{Email: email}
	if err := f.eng.CreateUser(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	return u.ID
}

func likes(n int) core.JobSpec {
	return core.JobSpec{Kind: core.KindLikePosts, Params: json.RawMessage(fmt.Sprintf(`{"target_count":%d}`, n))}
}

func TestEnqueueRequiresActiveUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.eng.Enqueue(ctx, "usr_missing", likes(1)); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("missing user: %v", err)
	}
	uid := f.user(t, "ana@example.com")
	if err := f.eng.Store().SetActive(ctx, uid, false, t0); err != nil {
		t.Fatal(err)
	}
	_, err := f.eng.Enqueue(ctx, uid, likes(1))
	if core.KindOf(err) != core.ErrInvalidSpecKind {
		t.Fatalf("inactive user: %v", err)
	}
	if err := f.eng.Store().SetActive(ctx, uid, true, t0); err != nil {
		t.Fatal(err)
	}
	if _, err := f.eng.Enqueue(ctx, uid, likes(1)); err != nil {
		t.Fatal(err)
	}
}

// WHAT: one user reaches for another user's job.
// WHY: foreign jobs must look absent, not forbidden.
func TestJobOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ana, bob := f.user(t, "ana@example.com"), f.user(t, "bob@example.com")

	id, err := f.eng.Enqueue(ctx, ana, likes(2))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.eng.GetJob(ctx, bob, id); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("bob get: %v", err)
	}
	if _, err := f.eng.Cancel(ctx, bob, id); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("bob cancel: %v", err)
	}
	if _, err := f.eng.ActionLogs(ctx, bob, id); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("bob logs: %v", err)
	}
	if j, err := f.eng.GetJob(ctx, "", id); err != nil || j.UserID != ana {
		t.Fatalf("unscoped get: %v %+v", err, j)
	}
	st, err := f.eng.Cancel(ctx, ana, id)
	if err != nil || st != core.StatusCancelled {
		t.Fatalf("ana cancel: %v %s", err, st)
	}
	jobs, err := f.eng.ListJobs(ctx, bob, core.JobFilter{})
	if err != nil || len(jobs) != 0 {
		t.Fatalf("bob list: %v %d", err, len(jobs))
	}
}

func TestCredentialsAndSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := f.user(t, "ana@example.com")

	st, err := f.eng.SessionStatus(ctx, uid)
	if err != nil {
		t.Fatal(err)
	}
	if st.HasCredentials || st.State != core.SessionUninitialized {
		t.Fatalf("fresh status = %+v", st)
	}
	c := vault.Credentials{Kind: vault.KindPassword, Email: "ana@example.com", Password: "pw-123456"}
	if err := f.eng.SetCredentials(ctx, uid, c); err != nil {
		t.Fatal(err)
	}
	if st, _ = f.eng.SessionStatus(ctx, uid); !st.HasCredentials {
		t.Fatalf("after set = %+v", st)
	}
	if err := f.eng.DeleteCredentials(ctx, uid); err != nil {
		t.Fatal(err)
	}
	if st, _ = f.eng.SessionStatus(ctx, uid); st.HasCredentials {
		t.Fatalf("after delete = %+v", st)
	}
	if err := f.eng.SetCredentials(ctx, "usr_missing", c); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("missing user: %v", err)
	}
}

// WHAT: a like job runs through the assembled engine.
// WHY: proves the manager, executor, governor and scheduler are wired to the
// same store and clock, and that analytics read what the run wrote.
func TestRunAndAnalytics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := f.user(t, "ana@example.com")
	c := vault.Credentials{Kind: vault.KindPassword, Email: "ana@example.com", Password: "pw-123456"}
	if err := f.eng.SetCredentials(ctx, uid, c); err != nil {
		t.Fatal(err)
	}
	id, err := f.eng.Enqueue(ctx, uid, likes(3))
	if err != nil {
		t.Fatal(err)
	}
	j, err := f.eng.Scheduler().RunOnce(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if j.ID != id || j.Status != core.StatusCompleted {
		t.Fatalf("job %s = %s (%s)", j.ID, j.Status, j.ErrorKind)
	}
	logs, err := f.eng.ActionLogs(ctx, uid, id)
	if err != nil || len(logs) != 3 {
		t.Fatalf("logs: %v %d", err, len(logs))
	}

	d, err := f.eng.Dashboard(ctx, uid)
	if err != nil {
		t.Fatal(err)
	}
	if d.Today.Likes != 3 || d.Week.Likes != 3 || d.SuccessRate != 100 {
		t.Fatalf("dashboard = %+v", d)
	}
	if len(d.Days) != ReportDays || d.Today.Date != "2026-03-10" {
		t.Fatalf("days = %+v", d.Days)
	}
	if d.Queue.Completed != 1 {
		t.Fatalf("queue = %+v", d.Queue)
	}

	r, err := f.eng.WeeklyReport(ctx, uid)
	if err != nil {
		t.Fatal(err)
	}
	if r.From != "2026-03-04" || r.To != "2026-03-10" {
		t.Fatalf("window %s..%s", r.From, r.To)
	}
	if r.Breakdown.Likes != 3 || r.MostProductiveDay != "2026-03-10" {
		t.Fatalf("report = %+v", r)
	}

	if _, err := f.eng.Dashboard(ctx, "usr_missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("missing user: %v", err)
	}
}

func TestTrend(t *testing.T) {
	day := func(ok, failed int64) core.Counters { return core.Counters{Likes: ok, Errors: failed} }
	tests := []struct {
		name string
		days []core.Counters
		want float64
	}{
		{"too short", []core.Counters{day(1, 0), day(1, 0)}, 0},
		{"flat", []core.Counters{day(1, 0), day(1, 0), day(1, 0), day(1, 0), day(1, 0), day(1, 0)}, 0},
		// previous mean 50%, recent mean 100%
		{"doubling", []core.Counters{day(1, 1), day(1, 1), day(1, 1), day(2, 0), day(2, 0), day(2, 0)}, 100},
		// previous mean 100%, recent mean (50+50+0)/3
		{"drop", []core.Counters{day(3, 0), day(3, 0), day(3, 0), day(1, 1), day(1, 1), day(0, 0)}, -66.7},
		{"no previous activity", []core.Counters{{}, {}, {}, day(2, 0), day(2, 0), day(2, 0)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := trend(tt.days); got != tt.want {
				t.Fatalf("trend = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSetDailyLimitsValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := f.user(t, "ana@example.com")

	if err := f.eng.SetDailyLimits(ctx, uid, core.DailyLimits{Like: -1}); core.KindOf(err) != core.ErrInvalidSpecKind {
		t.Fatalf("negative limit: %v", err)
	}
	if err := f.eng.SetDailyLimits(ctx, uid, core.DailyLimits{Like: 5}); err != nil {
		t.Fatal(err)
	}
	st, err := f.eng.QueueStats(ctx, uid)
	if err != nil {
		t.Fatal(err)
	}
	if st.Remaining[core.ActionLike] != 5 {
		t.Fatalf("remaining = %+v", st.Remaining)
	}
}

func mcpSession(t *testing.T, e *Engine) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(&mcp.Implementation{Name: "snaplinked", Version: "test"}, nil)
	e.RegisterMCP(srv)
	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()
	session, err := mcp.NewClient(&mcp.Implementation{Name: "engine-test", Version: "0.1.0"}, nil).Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool(t *testing.T, s *mcp.ClientSession, name string, args map[string]any) (*mcp.CallToolResult, string) {
	t.Helper()
	res, err := s.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return res, res.Content[0].(*mcp.TextContent).Text
}

func TestMCPTools(t *testing.T) {
	f := newFixture(t)
	uid := f.user(t, "ana@example.com")
	s := mcpSession(t, f.eng)

	res, text := callTool(t, s, "snaplinked_enqueue", map[string]any{
		"user_id": uid, "kind": "like_posts", "params": map[string]any{"target_count": 2},
	})
	if res.IsError {
		t.Fatalf("enqueue: %s", text)
	}
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil || out.JobID == "" {
		t.Fatalf("enqueue result %q: %v", text, err)
	}

	res, text = callTool(t, s, "snaplinked_get_job", map[string]any{"user_id": uid, "job_id": out.JobID})
	if res.IsError {
		t.Fatalf("get_job: %s", text)
	}
	var j core.Job
	if err := json.Unmarshal([]byte(text), &j); err != nil || j.Status != core.StatusPending {
		t.Fatalf("job %q: %v", text, err)
	}

	res, text = callTool(t, s, "snaplinked_get_job", map[string]any{"user_id": "usr_other", "job_id": out.JobID})
	if !res.IsError {
		t.Fatalf("foreign get_job succeeded: %s", text)
	}
	res, _ = callTool(t, s, "snaplinked_enqueue", map[string]any{"kind": "like_posts", "params": map[string]any{"target_count": 1}})
	if !res.IsError {
		t.Fatal("enqueue without user_id succeeded")
	}
	res, text = callTool(t, s, "snaplinked_enqueue", map[string]any{
		"user_id": uid, "kind": "like_posts", "params": map[string]any{"target_count": 0},
	})
	if !res.IsError {
		t.Fatalf("invalid params accepted: %s", text)
	}
}
