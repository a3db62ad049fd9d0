// Package events carries job lifecycle, quota and session notifications from
// the scheduler to any number of sinks.
package events

import (
	"context"
	"time"

	"github.com/hazyhaar/snaplinked/core"
)

// Type names an event.
type Type string

const (
	JobEnqueued         Type = "job_enqueued"
	JobStarted          Type = "job_started"
	JobProgress         Type = "job_progress"
	JobCompleted        Type = "job_completed"
	JobFailed           Type = "job_failed"
	JobCancelled        Type = "job_cancelled"
	QuotaWarning        Type = "quota_warning"
	SessionStateChanged Type = "session_state_changed"
)

// Event is one notification. Fields that do not apply to Type stay zero.
type Event struct {
	Type      Type           `json:"type"`
	JobID     string         `json:"job_id,omitempty"`
	UserID    string         `json:"user_id"`
	Kind      core.JobKind   `json:"kind,omitempty"`
	Done      int            `json:"done,omitempty"`
	Total     int            `json:"total,omitempty"`
	Remaining *int           `json:"remaining,omitempty"`
	Action    core.Action    `json:"action,omitempty"`
	State     string         `json:"state,omitempty"`
	ErrorKind core.ErrorKind `json:"error_kind,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	At        time.Time      `json:"at"`
}

// Sink receives events. Publish is called synchronously from the worker
// that owns the job, so events of one job arrive in order.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }
func (discard) Close() error                         { return nil }
