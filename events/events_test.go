package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/hazyhaar/snaplinked/core"
	"github.com/hazyhaar/snaplinked/horosafe"
)

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func sample(typ Type) Event {
	return Event{Type: typ, JobID: "job_1", UserID: "u1", Kind: core.KindLikePosts, Done: 1, Total: 3, At: t0}
}

func TestStdoutWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdout(&buf)
	for _, typ := range []Type{JobStarted, JobProgress} {
		if err := s.Publish(context.Background(), sample(typ)); err != nil {
			t.Fatal(err)
		}
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	var ev Event
	if err := json.Unmarshal([]byte(lines[1]), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != JobProgress || ev.Done != 1 || ev.Total != 3 || ev.UserID != "u1" {
		t.Fatalf("decoded %+v", ev)
	}
	if strings.Contains(lines[0], "error_kind") {
		t.Fatalf("empty fields should be omitted: %s", lines[0])
	}
}

func TestRouterFanOutContinuesOnError(t *testing.T) {
	boom := errors.New("boom")
	var got []Type
	r := NewRouter(nil,
		NewCallback(func(context.Context, Event) error { return boom }),
		NewCallback(func(_ context.Context, ev Event) error { got = append(got, ev.Type); return nil }),
	)
	err := r.Publish(context.Background(), sample(JobCompleted))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if len(got) != 1 || got[0] != JobCompleted {
		t.Fatalf("second sink got %v", got)
	}

	r.Add(Discard)
	if r.Len() != 3 {
		t.Fatalf("len = %d", r.Len())
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 0 {
		t.Fatal("close should drop sinks")
	}
}

func TestCallbackFilter(t *testing.T) {
	var n int
	c := NewCallback(func(context.Context, Event) error { n++; return nil }, QuotaWarning)
	_ = c.Publish(context.Background(), sample(JobStarted))
	_ = c.Publish(context.Background(), sample(QuotaWarning))
	if n != 1 {
		t.Fatalf("delivered %d, want 1", n)
	}
}

func TestWebhookRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if r.Header.Get("X-Snaplinked-Event") != string(JobFailed) {
			t.Errorf("event header = %q", r.Header.Get("X-Snaplinked-Event"))
		}
		body, _ := io.ReadAll(r.Body)
		if !bytes.Contains(body, []byte(`"job_id":"job_1"`)) {
			t.Errorf("body = %s", body)
		}
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w, err := NewWebhook(srv.URL, WithWebhookAllowPrivate(), WithWebhookBackoff(time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Publish(context.Background(), sample(JobFailed)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestWebhookClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	w, err := NewWebhook(srv.URL, WithWebhookAllowPrivate(), WithWebhookBackoff(time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Publish(context.Background(), sample(JobFailed)); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestWebhookRejectsPrivateURL(t *testing.T) {
	_, err := NewWebhook("http://127.0.0.1:9/hook")
	if !errors.Is(err, horosafe.ErrSSRF) {
		t.Fatalf("err = %v, want ErrSSRF", err)
	}
	if _, err := NewWebhook("ftp://example.com/x"); !errors.Is(err, horosafe.ErrUnsafeScheme) {
		t.Fatalf("err = %v, want ErrUnsafeScheme", err)
	}
}

type fakeRedis struct {
	channel string
	body    []byte
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	f.channel = channel
	f.body, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func TestRedisPublishesOnUserChannel(t *testing.T) {
	f := &fakeRedis{}
	r := NewRedis(f)
	if err := r.Publish(context.Background(), sample(JobEnqueued)); err != nil {
		t.Fatal(err)
	}
	if f.channel != "snaplinked:events:u1" {
		t.Fatalf("channel = %q", f.channel)
	}
	var ev Event
	if err := json.Unmarshal(f.body, &ev); err != nil || ev.Type != JobEnqueued {
		t.Fatalf("body %s: %v", f.body, err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
}

type fakeChannel struct {
	exchange, key string
	msg           amqp.Publishing
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil
}

func TestAMQPRoutingKey(t *testing.T) {
	ch := &fakeChannel{}
	a := NewAMQP(ch, "")
	ev := sample(SessionStateChanged)
	ev.State = "ready"
	if err := a.Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if ch.exchange != DefaultExchange || ch.key != "session_state_changed.u1" {
		t.Fatalf("exchange %q key %q", ch.exchange, ch.key)
	}
	if ch.msg.DeliveryMode != amqp.Persistent || ch.msg.ContentType != "application/json" {
		t.Fatalf("publishing = %+v", ch.msg)
	}
	if !ch.msg.Timestamp.Equal(t0) {
		t.Fatalf("timestamp = %v", ch.msg.Timestamp)
	}
}
