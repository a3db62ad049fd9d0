package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/snaplinked/core"
	"github.com/hazyhaar/snaplinked/events"
	"github.com/hazyhaar/snaplinked/scheduler"
	"github.com/hazyhaar/snaplinked/vault"
)

// Enqueue submits a job for an existing, active user.
func (e *Engine) Enqueue(ctx context.Context, userID string, spec core.JobSpec) (string, error) {
	u, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if !u.IsActive {
		return "", core.E(core.ErrInvalidSpecKind, "engine: enqueue", fmt.Errorf("%w: user is inactive", core.ErrInvalidSpec))
	}
	return e.sched.Enqueue(ctx, userID, spec)
}

// Cancel cancels one of userID's jobs. An empty userID acts for any user.
func (e *Engine) Cancel(ctx context.Context, userID, jobID string) (core.JobStatus, error) {
	j, err := e.ownJob(ctx, userID, jobID)
	if err != nil {
		return "", err
	}
	st, err := e.sched.Cancel(ctx, jobID)
	e.Record(ctx, "cancel_job", j.UserID, map[string]string{"job_id": jobID}, err)
	return st, err
}

// GetJob returns one of userID's jobs. An empty userID acts for any user.
func (e *Engine) GetJob(ctx context.Context, userID, jobID string) (*core.Job, error) {
	return e.ownJob(ctx, userID, jobID)
}

// ListJobs returns userID's jobs, newest first.
func (e *Engine) ListJobs(ctx context.Context, userID string, f core.JobFilter) ([]*core.Job, error) {
	return e.sched.List(ctx, userID, f)
}

// ActionLogs returns the attempts recorded for one of userID's jobs.
func (e *Engine) ActionLogs(ctx context.Context, userID, jobID string) ([]core.ActionLog, error) {
	if _, err := e.ownJob(ctx, userID, jobID); err != nil {
		return nil, err
	}
	return e.store.ActionLogs(ctx, jobID)
}

// DailyUsage returns userID's counters for day (YYYY-MM-DD); empty means
// today.
func (e *Engine) DailyUsage(ctx context.Context, userID, day string) (core.Counters, error) {
	return e.sched.DailyUsage(ctx, userID, day)
}

// Subscribe registers an event sink for the life of the engine.
func (e *Engine) Subscribe(sink events.Sink) { e.sched.Subscribe(sink) }

// QueueStats counts userID's jobs by status and reports the budget left.
func (e *Engine) QueueStats(ctx context.Context, userID string) (scheduler.Stats, error) {
	return e.sched.Stats(ctx, userID)
}

// SessionStatus is the live and persisted view of a user's browser session.
type SessionStatus struct {
	UserID         string            `json:"user_id"`
	State          core.SessionState `json:"state"`
	Persisted      core.SessionState `json:"persisted_state,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	LastActivityAt *time.Time        `json:"last_activity_at,omitempty"`
	HasCredentials bool              `json:"has_credentials"`
}

// SessionStatus reports the browser session of userID.
func (e *Engine) SessionStatus(ctx context.Context, userID string) (SessionStatus, error) {
	if _, err := e.store.GetUser(ctx, userID); err != nil {
		return SessionStatus{}, err
	}
	st := SessionStatus{UserID: userID, State: e.browsers.Status(userID)}
	rec, err := e.store.GetSession(ctx, userID)
	switch {
	case err == nil:
		st.Persisted = rec.State
		st.LastError = rec.LastError
		st.LastActivityAt = rec.LastActivityAt
	case !errors.Is(err, core.ErrNotFound):
		return st, err
	}
	_, err = e.store.GetCredentials(ctx, userID)
	switch {
	case err == nil:
		st.HasCredentials = true
	case !errors.Is(err, core.ErrNotFound):
		return st, err
	}
	return st, nil
}

// CloseSession tears down userID's browser context, keeping the stored
// cookies.
func (e *Engine) CloseSession(ctx context.Context, userID string) error {
	return e.browsers.Close(ctx, userID)
}

// SetCredentials seals and stores userID's LinkedIn credentials, closes
// any live session so the next job logs in with them, and closes the
// circuit breaker.
func (e *Engine) SetCredentials(ctx context.Context, userID string, c vault.Credentials) (err error) {
	if _, err := e.store.GetUser(ctx, userID); err != nil {
		return err
	}
	defer func() { e.Record(ctx, "set_credentials", userID, map[string]string{"email": c.Email}, err) }()
	if err := e.vault.Put(ctx, userID, c, e.now()); err != nil {
		return err
	}
	if err := e.store.ClearStorageState(ctx, userID); err != nil {
		return err
	}
	if err := e.browsers.Close(ctx, userID); err != nil {
		e.logger.Warn("engine: close session after credential change", "user_id", userID, "error", err)
	}
	e.gov.ResetBreaker(userID)
	return nil
}

// DeleteCredentials forgets userID's credentials and stored cookies.
func (e *Engine) DeleteCredentials(ctx context.Context, userID string) (err error) {
	defer func() { e.Record(ctx, "delete_credentials", userID, nil, err) }()
	if err := e.browsers.Close(ctx, userID); err != nil {
		e.logger.Warn("engine: close session", "user_id", userID, "error", err)
	}
	if err := e.store.ClearStorageState(ctx, userID); err != nil {
		return err
	}
	return e.vault.Delete(ctx, userID)
}

// CreateUser registers a user with automation enabled.
func (e *Engine) CreateUser(ctx context.Context, u *core.User) error {
	u.IsActive = true
	u.AutomationEnabled = true
	err := e.store.CreateUser(ctx, u, e.now())
	e.Record(ctx, "create_user", u.ID, map[string]string{"email": u.Email}, err)
	return err
}

// GetUser returns a user.
func (e *Engine) GetUser(ctx context.Context, userID string) (*core.User, error) {
	return e.store.GetUser(ctx, userID)
}

// SetAutomationEnabled toggles automation for userID. Re-enabling resets the
// circuit breaker and wakes the scheduler.
func (e *Engine) SetAutomationEnabled(ctx context.Context, userID string, enabled bool) error {
	err := e.store.SetAutomationEnabled(ctx, userID, enabled, e.now())
	e.Record(ctx, "set_automation", userID, map[string]bool{"enabled": enabled}, err)
	if err != nil {
		return err
	}
	e.gov.Forget(userID)
	if enabled {
		e.gov.ResetBreaker(userID)
		e.sched.Wake()
	}
	return nil
}

// SetDailyLimits changes userID's daily caps. Zero fields fall back to the
// plan default.
func (e *Engine) SetDailyLimits(ctx context.Context, userID string, l core.DailyLimits) error {
	if err := core.Validator().Struct(l); err != nil {
		return core.E(core.ErrInvalidSpecKind, "engine: daily limits", fmt.Errorf("%w: %v", core.ErrInvalidSpec, err))
	}
	err := e.store.SetDailyLimits(ctx, userID, l, e.now())
	e.Record(ctx, "set_daily_limits", userID, l, err)
	if err != nil {
		return err
	}
	e.gov.Forget(userID)
	return nil
}
