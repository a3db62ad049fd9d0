package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/snaplinked/clock"
	"github.com/hazyhaar/snaplinked/core"
	"github.com/hazyhaar/snaplinked/dbopen"
)

// TransitionKind selects how CommitRun moves a running job.
type TransitionKind int

const (
	// TransitionNone records logs without touching the job.
	TransitionNone TransitionKind = iota
	// TransitionComplete marks the job completed.
	TransitionComplete
	// TransitionRetry re-queues at EligibleAt, or fails once attempts are spent.
	TransitionRetry
	// TransitionFail marks the job failed.
	TransitionFail
	// TransitionCancel marks the job cancelled.
	TransitionCancel
	// TransitionDefer re-queues at EligibleAt without consuming the attempt.
	TransitionDefer
)

// Transition describes the job state change committed with a run.
type Transition struct {
	Kind       TransitionKind
	ErrorKind  core.ErrorKind
	EligibleAt time.Time
	Result     json.RawMessage
	At         time.Time
}

// Run is everything a worker commits for one job attempt.
type Run struct {
	JobID      string
	UserID     string
	Logs       []core.ActionLog
	Transition Transition
}

// ErrNotRunning is returned when a transition targets a job that is no
// longer running (already finalized or re-claimed).
var ErrNotRunning = errors.New("store: job is not running")

// connectDetails is the subset of action-log details used to maintain
// the connections table.
type connectDetails struct {
	ProfileURL string `json:"profile_url"`
	Name       string `json:"name"`
}

// CommitRun writes logs, counter deltas, connection rows and the job
// transition in one transaction. Logs are keyed by (job_id, attempt,
// item_index); a replayed log is ignored together with its counter delta.
// Returns the job status after the commit.
func (s *Store) CommitRun(ctx context.Context, run Run) (core.JobStatus, error) {
	var status core.JobStatus
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		for i := range run.Logs {
			if err := s.insertLog(ctx, tx, &run.Logs[i]); err != nil {
				return err
			}
		}
		if run.Transition.Kind == TransitionNone {
			return nil
		}
		st, err := applyTransition(ctx, tx, run.JobID, run.Transition)
		if err != nil {
			return err
		}
		status = st
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("store: commit run %s: %w", run.JobID, err)
	}
	return status, nil
}

func (s *Store) insertLog(ctx context.Context, tx *sql.Tx, l *core.ActionLog) error {
	if l.ID == "" {
		l.ID = s.logID()
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO action_logs (id, job_id, user_id, attempt, item_index, action, target,
			success, error_kind, duration_ms, details, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(job_id, attempt, item_index) DO NOTHING`,
		l.ID, l.JobID, l.UserID, l.Attempt, l.ItemIndex, string(l.Action), l.Target,
		boolInt(l.Success), string(l.ErrorKind), l.DurationMS, nullJSON(l.Details), ms(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	day := clock.Day(l.CreatedAt)
	if !l.Success {
		return bumpCounter(ctx, tx, l.UserID, day, "errors")
	}
	if col, ok := counterColumn[l.Action]; ok {
		if err := bumpCounter(ctx, tx, l.UserID, day, col); err != nil {
			return err
		}
	}

	switch l.Action {
	case core.ActionConnect:
		var d connectDetails
		if json.Unmarshal(l.Details, &d) == nil && d.ProfileURL != "" {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO connections (user_id, profile_url, name, status, sent_at, job_id)
				VALUES (?,?,?,'sent',?,?)
				ON CONFLICT(user_id, profile_url) DO NOTHING`,
				l.UserID, core.NormalizeProfileURL(d.ProfileURL), d.Name, ms(l.CreatedAt), l.JobID)
			if err != nil {
				return fmt.Errorf("insert connection: %w", err)
			}
		}
	case core.ActionFollowUp:
		var d connectDetails
		if json.Unmarshal(l.Details, &d) == nil && d.ProfileURL != "" {
			_, err := tx.ExecContext(ctx, `
				UPDATE connections SET messaged_at = ?
				WHERE user_id = ? AND profile_url = ? AND messaged_at IS NULL`,
				ms(l.CreatedAt), l.UserID, core.NormalizeProfileURL(d.ProfileURL))
			if err != nil {
				return fmt.Errorf("mark messaged: %w", err)
			}
		}
	}
	return nil
}

func applyTransition(ctx context.Context, tx *sql.Tx, id string, t Transition) (core.JobStatus, error) {
	var (
		st                          string
		attempts, maxAtt, cancelReq int
	)
	err := tx.QueryRowContext(ctx, `SELECT status, attempts, max_attempts, cancel_requested FROM jobs WHERE id = ?`, id).
		Scan(&st, &attempts, &maxAtt, &cancelReq)
	if errors.Is(err, sql.ErrNoRows) {
		return "", core.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	current := core.JobStatus(st)

	if t.Kind == TransitionCancel && current == core.StatusPending {
		current = core.StatusRunning
	}
	if current != core.StatusRunning {
		if current.Terminal() {
			// Replay of an already finalized run.
			return current, nil
		}
		return current, ErrNotRunning
	}

	// A cancel request outranks anything that would run the job again.
	if cancelReq == 1 && (t.Kind == TransitionRetry || t.Kind == TransitionDefer) {
		t.Kind = TransitionCancel
	}

	at := ms(t.At)
	switch t.Kind {
	case TransitionComplete:
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'completed', completed_at = ?, result = ?, error_kind = '',
				cancel_requested = 0
			WHERE id = ?`, at, nullJSON(t.Result), id)
		return core.StatusCompleted, err

	case TransitionRetry:
		if attempts >= maxAtt {
			return failJob(ctx, tx, id, t)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'pending', eligible_at = ?, error_kind = ?, result = ?,
				worker_id = ''
			WHERE id = ?`, ms(t.EligibleAt), string(t.ErrorKind), nullJSON(t.Result), id)
		return core.StatusPending, err

	case TransitionFail:
		return failJob(ctx, tx, id, t)

	case TransitionCancel:
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'cancelled', completed_at = ?, error_kind = ?, result = ?
			WHERE id = ?`, at, string(core.ErrCancelled), nullJSON(t.Result), id)
		return core.StatusCancelled, err

	case TransitionDefer:
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'pending', eligible_at = ?, attempts = MAX(attempts - 1, 0),
				worker_id = ''
			WHERE id = ?`, ms(t.EligibleAt), id)
		return core.StatusPending, err
	}
	return "", fmt.Errorf("unknown transition %d", t.Kind)
}

func failJob(ctx context.Context, tx *sql.Tx, id string, t Transition) (core.JobStatus, error) {
	_, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', completed_at = ?, error_kind = ?, result = ?,
			cancel_requested = 0
		WHERE id = ?`, ms(t.At), string(t.ErrorKind), nullJSON(t.Result), id)
	return core.StatusFailed, err
}

// CompleteJob marks a running job completed.
func (s *Store) CompleteJob(ctx context.Context, id string, result json.RawMessage, now time.Time) error {
	_, err := s.CommitRun(ctx, Run{JobID: id, Transition: Transition{Kind: TransitionComplete, Result: result, At: now}})
	return err
}

// FailJob fails a running job. When retryAt is non-nil and attempts remain
// the job returns to pending at *retryAt instead.
func (s *Store) FailJob(ctx context.Context, id string, kind core.ErrorKind, retryAt *time.Time, now time.Time) (core.JobStatus, error) {
	t := Transition{Kind: TransitionFail, ErrorKind: kind, At: now}
	if retryAt != nil {
		t.Kind = TransitionRetry
		t.EligibleAt = *retryAt
	}
	return s.CommitRun(ctx, Run{JobID: id, Transition: t})
}

// CancelJob finalizes a pending or running job as cancelled.
func (s *Store) CancelJob(ctx context.Context, id string, now time.Time) error {
	_, err := s.CommitRun(ctx, Run{JobID: id, Transition: Transition{Kind: TransitionCancel, At: now}})
	return err
}

// DeferJob returns a running job to pending at eligibleAt without
// consuming the attempt. Used when the quota governor denies the run.
func (s *Store) DeferJob(ctx context.Context, id string, eligibleAt, now time.Time) error {
	_, err := s.CommitRun(ctx, Run{JobID: id, Transition: Transition{Kind: TransitionDefer, EligibleAt: eligibleAt, At: now}})
	return err
}

// Progress summarizes the committed logs of a job. NextItem is scoped to
// attempt, the counts span every attempt. Scans are not actions and are
// left out of the counts.
func (s *Store) Progress(ctx context.Context, jobID string, attempt int) (core.Progress, error) {
	var p core.Progress
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(CASE WHEN attempt = ? THEN item_index END) + 1, 0),
			COALESCE(SUM(CASE WHEN action != 'scan' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN action != 'scan' AND success = 1 THEN 1 ELSE 0 END), 0)
		FROM action_logs WHERE job_id = ?`, attempt, jobID).
		Scan(&p.NextItem, &p.Attempted, &p.Succeeded)
	if err != nil {
		return core.Progress{}, fmt.Errorf("store: progress %s: %w", jobID, err)
	}
	return p, nil
}

// ActionLogs returns a job's logs in execution order.
func (s *Store) ActionLogs(ctx context.Context, jobID string) ([]core.ActionLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, user_id, attempt, item_index, action, target, success,
			error_kind, duration_ms, details, created_at
		FROM action_logs WHERE job_id = ?
		ORDER BY attempt, item_index`, jobID)
	if err != nil {
		return nil, fmt.Errorf("store: action logs: %w", err)
	}
	defer rows.Close()

	var out []core.ActionLog
	for rows.Next() {
		var (
			l       core.ActionLog
			action  string
			ek      string
			success int
			details sql.NullString
			created int64
		)
		if err := rows.Scan(&l.ID, &l.JobID, &l.UserID, &l.Attempt, &l.ItemIndex, &action, &l.Target,
			&success, &ek, &l.DurationMS, &details, &created); err != nil {
			return nil, fmt.Errorf("store: scan log: %w", err)
		}
		l.Action = core.Action(action)
		l.Success = success == 1
		l.ErrorKind = core.ErrorKind(ek)
		l.Details = rawJSON(details)
		l.CreatedAt = fromMS(created)
		out = append(out, l)
	}
	return out, rows.Err()
}
