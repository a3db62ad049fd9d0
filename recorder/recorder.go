// Package recorder turns an executor outcome into one store transaction
// and the events that follow it.
package recorder

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/snaplinked/clock"
	"github.com/hazyhaar/snaplinked/core"
	"github.com/hazyhaar/snaplinked/events"
	"github.com/hazyhaar/snaplinked/executor"
	"github.com/hazyhaar/snaplinked/store"
)

// WarnFraction is the share of the daily limit under which a quota
// warning is emitted.
const WarnFraction = 0.10

// Store is the persistence the recorder writes through.
type Store interface {
	CommitRun(ctx context.Context, run store.Run) (core.JobStatus, error)
}

// Budget reports the daily limit and what remains of it.
// *quota.Governor implements it.
type Budget interface {
	Budget(ctx context.Context, userID string, a core.Action, now time.Time) (remaining, limit int64, err error)
}

// Recorder commits runs and publishes their events.
type Recorder struct {
	store  Store
	budget Budget
	sink   events.Sink
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithBudget enables low-budget warnings.
func WithBudget(b Budget) Option { return func(r *Recorder) { r.budget = b } }

// WithClock sets the clock (default clock.New()).
func WithClock(c clock.Clock) Option { return func(r *Recorder) { r.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Recorder) { r.logger = l } }

// New creates a Recorder. A nil sink drops events.
func New(st Store, sink events.Sink, opts ...Option) *Recorder {
	if sink == nil {
		sink = events.Discard
	}
	r := &Recorder{store: st, sink: sink}
	for _, o := range opts {
		o(r)
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Commit writes out's logs, their counter deltas and transition t for
// job in one transaction, then emits the job's terminal event. Nothing is
// emitted when the commit fails.
func (r *Recorder) Commit(ctx context.Context, job *core.Job, out executor.Outcome, t store.Transition) (core.JobStatus, error) {
	if t.At.IsZero() {
		t.At = r.clock.Now()
	}
	if t.Result == nil && t.Kind != store.TransitionDefer {
		t.Result = out.ResultJSON()
	}
	status, err := r.store.CommitRun(ctx, store.Run{
		JobID:      job.ID,
		UserID:     job.UserID,
		Logs:       out.Logs,
		Transition: t,
	})
	if err != nil {
		r.logger.Error("recorder: commit failed", "job_id", job.ID, "user_id", job.UserID, "error", err)
		return "", err
	}

	ev := events.Event{
		JobID:  job.ID,
		UserID: job.UserID,
		Kind:   job.Kind,
		Done:   out.Succeeded,
		Total:  out.Target,
		At:     t.At,
	}
	switch status {
	case core.StatusCompleted:
		ev.Type, ev.Reason = events.JobCompleted, out.Stopped
	case core.StatusFailed:
		ev.Type, ev.ErrorKind = events.JobFailed, t.ErrorKind
	case core.StatusCancelled:
		ev.Type = events.JobCancelled
	case core.StatusPending:
		if t.Kind == store.TransitionRetry {
			ev.Type, ev.ErrorKind, ev.Reason = events.JobFailed, t.ErrorKind, "retrying"
		}
	}
	if ev.Type != "" {
		r.Emit(ctx, ev)
	}
	if out.Succeeded > 0 {
		r.warnIfLow(ctx, job, t.At)
	}
	return status, nil
}

// Emit publishes ev. Delivery is best effort; failures are logged.
func (r *Recorder) Emit(ctx context.Context, ev events.Event) {
	if ev.At.IsZero() {
		ev.At = r.clock.Now()
	}
	if err := r.sink.Publish(ctx, ev); err != nil {
		r.logger.Warn("recorder: emit failed", "type", ev.Type, "job_id", ev.JobID, "error", err)
	}
}

// QuotaWarning emits a quota warning for the user's action.
func (r *Recorder) QuotaWarning(ctx context.Context, job *core.Job, a core.Action, remaining int64, reason string) {
	ev := events.Event{
		Type:   events.QuotaWarning,
		UserID: job.UserID,
		JobID:  job.ID,
		Kind:   job.Kind,
		Action: a,
		Reason: reason,
	}
	if remaining >= 0 {
		n := int(remaining)
		ev.Remaining = &n
	}
	r.Emit(ctx, ev)
}

func (r *Recorder) warnIfLow(ctx context.Context, job *core.Job, now time.Time) {
	if r.budget == nil {
		return
	}
	a := job.Kind.Action()
	remaining, limit, err := r.budget.Budget(ctx, job.UserID, a, now)
	if err != nil {
		r.logger.Warn("recorder: budget read failed", "user_id", job.UserID, "error", err)
		return
	}
	if limit <= 0 || float64(remaining) > float64(limit)*WarnFraction {
		return
	}
	r.QuotaWarning(ctx, job, a, remaining, "low_budget")
}
