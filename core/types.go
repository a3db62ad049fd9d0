// Package core holds the domain model shared by the automation components:
// users, jobs, action logs, daily counters and the error taxonomy.
package core

import (
	"encoding/json"
	"time"
)

// JobKind identifies what a job does.
type JobKind string

const (
	KindLikePosts       JobKind = "like_posts"
	KindCommentPosts    JobKind = "comment_posts"
	KindSendConnections JobKind = "send_connections"
	KindViewProfiles    JobKind = "view_profiles"
	KindFollowUp        JobKind = "follow_up"
	KindAIComment       JobKind = "ai_comment"
)

// Kinds lists every job kind.
var Kinds = []JobKind{
	KindLikePosts, KindCommentPosts, KindSendConnections,
	KindViewProfiles, KindFollowUp, KindAIComment,
}

// Action is the singular, per-attempt form of a job kind.
type Action string

const (
	ActionLike     Action = "like"
	ActionComment  Action = "comment"
	ActionConnect  Action = "connect"
	ActionView     Action = "view"
	ActionFollowUp Action = "follow_up"
	// ActionScan is logged by the follow-up generator. It has no counter.
	ActionScan Action = "scan"
)

// Action returns the action performed by jobs of kind k.
func (k JobKind) Action() Action {
	switch k {
	case KindLikePosts:
		return ActionLike
	case KindCommentPosts, KindAIComment:
		return ActionComment
	case KindSendConnections:
		return ActionConnect
	case KindViewProfiles:
		return ActionView
	case KindFollowUp:
		return ActionFollowUp
	}
	return ""
}

// Valid reports whether k is a known kind.
func (k JobKind) Valid() bool {
	for _, v := range Kinds {
		if v == k {
			return true
		}
	}
	return false
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is one automation intent. Values handed to executors are copies.
type Job struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Kind            JobKind         `json:"kind"`
	Params          json.RawMessage `json:"params"`
	Priority        int             `json:"priority"`
	Status          JobStatus       `json:"status"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"max_attempts"`
	EligibleAt      time.Time       `json:"eligible_at"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ErrorKind       ErrorKind       `json:"error_kind,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	WorkerID        string          `json:"worker_id,omitempty"`
}

// Progress is what earlier runs of a job already did. A run resumes
// from it instead of starting the target over.
type Progress struct {
	// NextItem is the first unused item index of the current attempt.
	NextItem  int
	Attempted int
	Succeeded int
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Statuses []JobStatus
	Kind     JobKind
	Since    time.Time
	Limit    int
	Offset   int
}

// DailyLimits are the per-user daily caps. Zero means "plan default".
type DailyLimits struct {
	Like    int `json:"like" yaml:"like" validate:"min=0,max=10000"`
	Comment int `json:"comment" yaml:"comment" validate:"min=0,max=10000"`
	Connect int `json:"connect" yaml:"connect" validate:"min=0,max=10000"`
}

// User owns jobs, sessions and quotas.
type User struct {
	ID                string      `json:"id" validate:"required,max=64"`
	Email             string      `json:"email" validate:"required,email,max=254"`
	DisplayName       string      `json:"display_name" validate:"max=200"`
	IsActive          bool        `json:"is_active"`
	AutomationEnabled bool        `json:"automation_enabled"`
	DailyLimits       DailyLimits `json:"daily_limits"`
	TokenExpiresAt    *time.Time  `json:"token_expires_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Schedulable reports whether the scheduler may run work for u.
func (u *User) Schedulable() bool {
	return u.IsActive && u.AutomationEnabled
}

// ActionLog is one in-browser attempt inside a job.
type ActionLog struct {
	ID         string          `json:"id"`
	JobID      string          `json:"job_id"`
	UserID     string          `json:"user_id"`
	Attempt    int             `json:"attempt"`
	ItemIndex  int             `json:"item_index"`
	Action     Action          `json:"action"`
	Target     string          `json:"target"`
	Success    bool            `json:"success"`
	ErrorKind  ErrorKind       `json:"error_kind,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Counters is a user's daily aggregate.
type Counters struct {
	Date        string `json:"date"`
	Likes       int64  `json:"likes"`
	Comments    int64  `json:"comments"`
	Connections int64  `json:"connections"`
	Views       int64  `json:"views"`
	FollowUps   int64  `json:"follow_ups"`
	Sessions    int64  `json:"sessions"`
	Errors      int64  `json:"errors"`
}

// Get returns the counter tracking action a.
func (c Counters) Get(a Action) int64 {
	switch a {
	case ActionLike:
		return c.Likes
	case ActionComment:
		return c.Comments
	case ActionConnect:
		return c.Connections
	case ActionView:
		return c.Views
	case ActionFollowUp:
		return c.FollowUps
	}
	return 0
}

// Add returns the element-wise sum of c and o, keeping c.Date.
func (c Counters) Add(o Counters) Counters {
	c.Likes += o.Likes
	c.Comments += o.Comments
	c.Connections += o.Connections
	c.Views += o.Views
	c.FollowUps += o.FollowUps
	c.Sessions += o.Sessions
	c.Errors += o.Errors
	return c
}

// Total is the number of successful actions in c.
func (c Counters) Total() int64 {
	return c.Likes + c.Comments + c.Connections + c.Views + c.FollowUps
}

// ConnectionStatus tracks an invitation sent by SendConnections.
type ConnectionStatus string

const (
	ConnectionSent     ConnectionStatus = "sent"
	ConnectionAccepted ConnectionStatus = "accepted"
)

// Connection is an invitation target, used by follow-ups.
type Connection struct {
	UserID     string           `json:"user_id"`
	ProfileURL string           `json:"profile_url"`
	Name       string           `json:"name"`
	Status     ConnectionStatus `json:"status"`
	SentAt     time.Time        `json:"sent_at"`
	AcceptedAt *time.Time       `json:"accepted_at,omitempty"`
	MessagedAt *time.Time       `json:"messaged_at,omitempty"`
	JobID      string           `json:"job_id"`
}

// SessionState is the browser session lifecycle state.
type SessionState string

const (
	SessionUninitialized     SessionState = "uninitialized"
	SessionBooting           SessionState = "booting"
	SessionLoggingIn         SessionState = "logging_in"
	SessionReady             SessionState = "ready"
	SessionChallengeRequired SessionState = "challenge_required"
	SessionFailed            SessionState = "failed"
	SessionClosed            SessionState = "closed"
)

// QueueStats counts a user's jobs by status.
type QueueStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
