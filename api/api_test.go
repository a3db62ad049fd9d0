package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/snaplinked/api"
	"github.com/hazyhaar/snaplinked/auth"
	"github.com/hazyhaar/snaplinked/browser/fakedom"
	"github.com/hazyhaar/snaplinked/clock"
	"github.com/hazyhaar/snaplinked/config"
	"github.com/hazyhaar/snaplinked/core"
	"github.com/hazyhaar/snaplinked/dbopen"
	"github.com/hazyhaar/snaplinked/engine"
	"github.com/hazyhaar/snaplinked/shield"
)

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type harness struct {
	cfg *config.Config
	eng *engine.Engine
	srv *httptest.Server
}

func newHarness(t *testing.T, tune func(*config.Config)) *harness {
	t.Helper()
	for _, k := range []string{"GEMINI_API_KEY", "OPENAI_API_KEY", "REDIS_ADDR", "AMQP_URL", "WEBHOOK_URL"} {
		t.Setenv(k, "")
	}
	t.Setenv("JWT_SECRET", "jwt-secret-jwt-secret-jwt-secret-01")
	t.Setenv("VAULT_KEY", "vault-key-vault-key-vault-key-0001")
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.HTTP.RateLimit = shield.RateLimit{PerSecond: 1000, Burst: 1000}
	if tune != nil {
		tune(cfg)
	}
	clk := clock.NewFake(t0)
	eng, err := engine.New(context.Background(), cfg,
		engine.WithDB(dbopen.OpenMemory(t)),
		engine.WithDriver(fakedom.NewSite("ana@example.com", "pw-123456").Driver()),
		engine.WithClock(clk),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { eng.Close() })
	srv := httptest.NewServer(api.New(eng, cfg, api.WithNow(clk.Now)).Handler())
	t.Cleanup(srv.Close)
	return &harness{cfg: cfg, eng: eng, srv: srv}
}

func (h *harness) user(t *testing.T, email string) string {
	t.Helper()
	u := &core.User{Email: email}
	if err := h.eng.CreateUser(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	return u.ID
}

func (h *harness) token(t *testing.T, uid, role string) string {
	t.Helper()
	tok, err := auth.GenerateToken([]byte(h.cfg.Auth.JWTSecret), &auth.Claims{UserID: uid, Role: role}, time.Hour, t0)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (h *harness) do(t *testing.T, method, path, tok string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, nil)
	code, body := h.do(t, http.MethodGet, "/healthz", "", nil)
	if code != http.StatusOK {
		t.Fatalf("status %d: %s", code, body)
	}
	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got["status"] != "ok" || got["version"] != api.Version {
		t.Fatalf("body = %s", body)
	}
}

func TestRequiresToken(t *testing.T) {
	h := newHarness(t, nil)
	if code, _ := h.do(t, http.MethodGet, "/api/jobs", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", code)
	}
	if code, _ := h.do(t, http.MethodGet, "/api/jobs", "not-a-jwt", nil); code != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", code)
	}
}

func TestJobLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	uid := h.user(t, "ana@example.com")
	tok := h.token(t, uid, "")

	code, body := h.do(t, http.MethodPost, "/api/jobs", tok, map[string]any{
		"kind": "like_posts", "params": map[string]any{"target_count": 2},
	})
	if code != http.StatusAccepted {
		t.Fatalf("enqueue %d: %s", code, body)
	}
	var created struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(body, &created); err != nil || created.JobID == "" {
		t.Fatalf("enqueue body %s: %v", body, err)
	}

	code, body = h.do(t, http.MethodGet, "/api/jobs/"+created.JobID, tok, nil)
	if code != http.StatusOK {
		t.Fatalf("get %d: %s", code, body)
	}
	var j core.Job
	if err := json.Unmarshal(body, &j); err != nil || j.Status != core.StatusPending || j.UserID != uid {
		t.Fatalf("job %s: %v", body, err)
	}

	code, body = h.do(t, http.MethodGet, "/api/jobs?status=pending", tok, nil)
	if code != http.StatusOK || !bytes.Contains(body, []byte(created.JobID)) {
		t.Fatalf("list %d: %s", code, body)
	}

	code, body = h.do(t, http.MethodPost, "/api/jobs/"+created.JobID+"/cancel", tok, nil)
	if code != http.StatusOK || !bytes.Contains(body, []byte(`"cancelled"`)) {
		t.Fatalf("cancel %d: %s", code, body)
	}
	code, body = h.do(t, http.MethodGet, "/api/jobs/"+created.JobID+"/logs", tok, nil)
	if code != http.StatusOK || !bytes.Contains(body, []byte(`"logs":[]`)) {
		t.Fatalf("logs %d: %s", code, body)
	}
}

func TestEnqueueErrors(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.token(t, h.user(t, "ana@example.com"), "")

	tests := []struct {
		name string
		body any
		want int
	}{
		{"unknown kind", map[string]any{"kind": "poke", "params": map[string]any{}}, http.StatusBadRequest},
		{"bad params", map[string]any{"kind": "like_posts", "params": map[string]any{"target_count": 0}}, http.StatusBadRequest},
		{"unknown field", map[string]any{"kind": "like_posts", "params": map[string]any{"target_count": 1}, "color": "red"}, http.StatusBadRequest},
		{"not an object", "like_posts", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := h.do(t, http.MethodPost, "/api/jobs", tok, tt.body)
			if code != tt.want {
				t.Fatalf("status %d, want %d: %s", code, tt.want, body)
			}
		})
	}

	ghost := h.token(t, "usr_ghost", "")
	code, _ := h.do(t, http.MethodPost, "/api/jobs", ghost, map[string]any{
		"kind": "like_posts", "params": map[string]any{"target_count": 1},
	})
	if code != http.StatusNotFound {
		t.Fatalf("unknown user: %d", code)
	}
}

// WHAT: bob asks for ana's job, then asks for it as ana via user_id.
// WHY: foreign jobs are 404 and only admins may act for someone else.
func TestOwnershipAndImpersonation(t *testing.T) {
	h := newHarness(t, nil)
	ana, bob := h.user(t, "ana@example.com"), h.user(t, "bob@example.com")
	anaTok, bobTok := h.token(t, ana, ""), h.token(t, bob, "")
	admin := h.token(t, h.user(t, "root@example.com"), "admin")

	_, body := h.do(t, http.MethodPost, "/api/jobs", anaTok, map[string]any{
		"kind": "like_posts", "params": map[string]any{"target_count": 1},
	})
	var created struct {
		JobID string `json:"job_id"`
	}
	_ = json.Unmarshal(body, &created)

	if code, _ := h.do(t, http.MethodGet, "/api/jobs/"+created.JobID, bobTok, nil); code != http.StatusNotFound {
		t.Fatalf("bob get: %d", code)
	}
	if code, _ := h.do(t, http.MethodGet, "/api/jobs?user_id="+ana, bobTok, nil); code != http.StatusForbidden {
		t.Fatalf("bob impersonate: %d", code)
	}
	if code, _ := h.do(t, http.MethodGet, "/api/jobs/"+created.JobID, admin, nil); code != http.StatusOK {
		t.Fatalf("admin get: %d", code)
	}
	code, body := h.do(t, http.MethodGet, "/api/jobs?user_id="+ana, admin, nil)
	if code != http.StatusOK || !bytes.Contains(body, []byte(created.JobID)) {
		t.Fatalf("admin list %d: %s", code, body)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	h := newHarness(t, nil)
	uid := h.user(t, "ana@example.com")
	tok := h.token(t, uid, "")

	code, body := h.do(t, http.MethodPut, "/api/credentials", tok, map[string]string{"email": "nope", "password": "pw-123456"})
	if code != http.StatusBadRequest {
		t.Fatalf("bad email %d: %s", code, body)
	}
	if code, body = h.do(t, http.MethodPut, "/api/credentials", tok, map[string]string{"email": "ana@example.com", "password": "pw-123456"}); code != http.StatusNoContent {
		t.Fatalf("set credentials %d: %s", code, body)
	}
	code, body = h.do(t, http.MethodGet, "/api/session", tok, nil)
	if code != http.StatusOK || !bytes.Contains(body, []byte(`"has_credentials":true`)) {
		t.Fatalf("session %d: %s", code, body)
	}
	if bytes.Contains(body, []byte("pw-123456")) {
		t.Fatal("session status leaks the password")
	}

	if code, body = h.do(t, http.MethodPut, "/api/automation", tok, map[string]bool{"enabled": false}); code != http.StatusOK {
		t.Fatalf("automation %d: %s", code, body)
	}
	if code, _ = h.do(t, http.MethodPut, "/api/automation", tok, map[string]any{}); code != http.StatusBadRequest {
		t.Fatalf("automation without field: %d", code)
	}
	if code, body = h.do(t, http.MethodPut, "/api/limits", tok, map[string]int{"like": 12}); code != http.StatusOK {
		t.Fatalf("limits %d: %s", code, body)
	}
	if code, _ = h.do(t, http.MethodPut, "/api/limits", tok, map[string]int{"like": -3}); code != http.StatusBadRequest {
		t.Fatalf("negative limit: %d", code)
	}

	code, body = h.do(t, http.MethodGet, "/api/me", tok, nil)
	if code != http.StatusOK {
		t.Fatalf("me %d: %s", code, body)
	}
	var me struct {
		User core.User `json:"user"`
	}
	if err := json.Unmarshal(body, &me); err != nil {
		t.Fatal(err)
	}
	if me.User.AutomationEnabled || me.User.DailyLimits.Like != 12 {
		t.Fatalf("me = %+v", me.User)
	}

	code, body = h.do(t, http.MethodGet, "/api/stats", tok, nil)
	if code != http.StatusOK || !bytes.Contains(body, []byte(`"like":12`)) {
		t.Fatalf("stats %d: %s", code, body)
	}
	for _, p := range []string{"/api/usage", "/api/dashboard", "/api/reports/weekly"} {
		if code, body = h.do(t, http.MethodGet, p, tok, nil); code != http.StatusOK {
			t.Fatalf("%s %d: %s", p, code, body)
		}
	}
}

func TestAdminUsersAndTokens(t *testing.T) {
	h := newHarness(t, nil)
	admin := h.token(t, h.user(t, "root@example.com"), "admin")
	plain := h.token(t, h.user(t, "ana@example.com"), "")

	if code, _ := h.do(t, http.MethodPost, "/api/admin/users", plain, map[string]string{"email": "x@example.com"}); code != http.StatusForbidden {
		t.Fatalf("non-admin create: %d", code)
	}
	code, body := h.do(t, http.MethodPost, "/api/admin/users", admin, map[string]string{"email": "carol@example.com"})
	if code != http.StatusCreated {
		t.Fatalf("create %d: %s", code, body)
	}
	var u core.User
	if err := json.Unmarshal(body, &u); err != nil || u.ID == "" {
		t.Fatalf("created %s: %v", body, err)
	}
	if code, _ = h.do(t, http.MethodPost, "/api/admin/users", admin, map[string]string{"email": "carol@example.com"}); code != http.StatusConflict {
		t.Fatalf("duplicate: %d", code)
	}
	if code, _ = h.do(t, http.MethodPost, "/api/admin/users", admin, map[string]string{"email": "not-an-email"}); code != http.StatusBadRequest {
		t.Fatalf("invalid email: %d", code)
	}

	code, body = h.do(t, http.MethodPost, "/api/admin/users/"+u.ID+"/tokens", admin, nil)
	if code != http.StatusCreated {
		t.Fatalf("token %d: %s", code, body)
	}
	var issued struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &issued); err != nil {
		t.Fatal(err)
	}
	code, body = h.do(t, http.MethodGet, "/api/me", issued.Token, nil)
	if code != http.StatusOK || !bytes.Contains(body, []byte("carol@example.com")) {
		t.Fatalf("me with issued token %d: %s", code, body)
	}
	if code, _ = h.do(t, http.MethodPost, "/api/admin/users/"+u.ID+"/tokens", admin, map[string]string{"role": "god"}); code != http.StatusBadRequest {
		t.Fatalf("unknown role: %d", code)
	}
	if code, _ = h.do(t, http.MethodPost, "/api/admin/users/usr_missing/tokens", admin, nil); code != http.StatusNotFound {
		t.Fatalf("missing user: %d", code)
	}
}

func TestRateLimited(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.HTTP.RateLimit = shield.RateLimit{PerSecond: 0.001, Burst: 1}
	})
	tok := h.token(t, h.user(t, "ana@example.com"), "")
	if code, _ := h.do(t, http.MethodGet, "/api/jobs", tok, nil); code != http.StatusOK {
		t.Fatalf("first: %d", code)
	}
	if code, _ := h.do(t, http.MethodGet, "/api/jobs", tok, nil); code != http.StatusTooManyRequests {
		t.Fatalf("second: %d", code)
	}
}

func TestAuditTrail(t *testing.T) {
	h := newHarness(t, nil)
	rootID := h.user(t, "root@example.com")
	admin := h.token(t, rootID, "admin")
	uid := h.user(t, "ana@example.com")
	tok := h.token(t, uid, "")

	h.do(t, http.MethodPut, "/api/credentials", tok, map[string]string{"email": "ana@example.com", "password": "pw-123456"})
	h.do(t, http.MethodPost, "/api/admin/users/"+uid+"/tokens", admin, nil)

	if code, _ := h.do(t, http.MethodGet, "/api/admin/audit", tok, nil); code != http.StatusForbidden {
		t.Fatalf("non-admin audit: %d", code)
	}
	code, body := h.do(t, http.MethodGet, "/api/admin/audit?user_id="+uid, admin, nil)
	if code != http.StatusOK {
		t.Fatalf("audit %d: %s", code, body)
	}
	var out struct {
		Entries []struct {
			Operation string `json:"operation"`
			ActorID   string `json:"actor_id"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	var ops []string
	for _, e := range out.Entries {
		ops = append(ops, e.Operation)
	}
	// newest first; create_user ran outside any request
	want := []string{"issue_token", "set_credentials", "create_user"}
	if len(ops) != len(want) {
		t.Fatalf("operations = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("operations = %v, want %v", ops, want)
		}
	}
	if out.Entries[0].ActorID != rootID || out.Entries[1].ActorID != uid {
		t.Fatalf("actors = %+v", out.Entries)
	}
	if bytes.Contains(body, []byte("pw-123456")) {
		t.Fatal("audit trail leaks the password")
	}
}
