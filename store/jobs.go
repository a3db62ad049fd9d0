package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/snaplinked/core"
	"github.com/hazyhaar/snaplinked/dbopen"
)

const jobCols = `id, user_id, kind, params, priority, status, attempts, max_attempts,
	eligible_at, created_at, started_at, completed_at, error_kind, result,
	cancel_requested, worker_id`

// NewJob is the input to InsertJob.
type NewJob struct {
	UserID      string
	Kind        core.JobKind
	Params      []byte
	Priority    int
	MaxAttempts int
	EligibleAt  time.Time
	// DedupeKey, when set, is unique per user.
	DedupeKey string
}

// ErrJobExists is returned by InsertJob, together with the existing job,
// when the user already has a job under the same dedupe key.
var ErrJobExists = errors.New("store: job already enqueued")

// InsertJob writes a pending job and returns it.
func (s *Store) InsertJob(ctx context.Context, nj NewJob, now time.Time) (*core.Job, error) {
	if nj.MaxAttempts <= 0 {
		nj.MaxAttempts = core.DefaultMaxAttempts
	}
	if nj.EligibleAt.IsZero() || nj.EligibleAt.Before(now) {
		nj.EligibleAt = now
	}
	j := &core.Job{
		ID:          s.newID(),
		UserID:      nj.UserID,
		Kind:        nj.Kind,
		Params:      append([]byte(nil), nj.Params...),
		Priority:    nj.Priority,
		Status:      core.StatusPending,
		MaxAttempts: nj.MaxAttempts,
		EligibleAt:  nj.EligibleAt,
		CreatedAt:   now,
	}
	res, err := dbExec(ctx, s.db, `
		INSERT INTO jobs (id, user_id, kind, params, priority, status, max_attempts, eligible_at,
			created_at, dedupe_key)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(user_id, dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING`,
		j.ID, j.UserID, string(j.Kind), string(j.Params), j.Priority, string(j.Status),
		j.MaxAttempts, ms(j.EligibleAt), ms(j.CreatedAt), nullString(nj.DedupeKey))
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return nil, fmt.Errorf("store: insert job: user %s: %w", nj.UserID, core.ErrNotFound)
		}
		return nil, fmt.Errorf("store: insert job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		row := s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE user_id = ? AND dedupe_key = ?`,
			nj.UserID, nj.DedupeKey)
		prev, err := scanJob(row)
		if err != nil {
			return nil, fmt.Errorf("store: insert job: dedupe %s: %w", nj.DedupeKey, err)
		}
		return prev, ErrJobExists
	}
	return j, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// GetJob returns a job or core.ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*core.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a user's jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, userID string, f core.JobFilter) ([]*core.Job, error) {
	var (
		where = []string{"user_id = ?"}
		args  = []any{userID}
	)
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, ms(f.Since))
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit, max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE `+
		strings.Join(where, " AND ")+` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	defer rows.Close()

	var out []*core.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ClaimNextJob atomically moves the best ready job to running. The chosen
// job belongs to an active, enabled user with no other running job.
// Returns core.ErrNoWork when nothing qualifies.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string, now time.Time) (*core.Job, error) {
	var job *core.Job
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE jobs SET
				status = 'running',
				started_at = ?,
				attempts = attempts + 1,
				worker_id = ?
			WHERE status = 'pending' AND id = (
				SELECT j.id FROM jobs j
				JOIN users u ON u.id = j.user_id
				WHERE j.status = 'pending'
				  AND j.eligible_at <= ?
				  AND j.attempts < j.max_attempts
				  AND u.is_active = 1
				  AND u.automation_enabled = 1
				  AND NOT EXISTS (
					SELECT 1 FROM jobs r
					WHERE r.user_id = j.user_id AND r.status = 'running'
				  )
				ORDER BY j.priority DESC, j.eligible_at ASC, j.created_at ASC, j.rowid ASC
				LIMIT 1
			)
			RETURNING `+jobCols, ms(now), workerID, ms(now))
		j, err := scanJob(row)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNoWork
	}
	if err != nil {
		return nil, fmt.Errorf("store: claim: %w", err)
	}
	return job, nil
}

// RequestCancel cancels a pending job immediately or flags a running one
// for cooperative cancellation. Terminal jobs are left untouched. Returns
// the status after the call.
func (s *Store) RequestCancel(ctx context.Context, id string, now time.Time) (core.JobStatus, error) {
	var status core.JobStatus
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		var st string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&st); err != nil {
			return err
		}
		status = core.JobStatus(st)
		switch status {
		case core.StatusPending:
			_, err := tx.ExecContext(ctx, `
				UPDATE jobs SET status = 'cancelled', completed_at = ?, error_kind = ?
				WHERE id = ? AND status = 'pending'`, ms(now), string(core.ErrCancelled), id)
			status = core.StatusCancelled
			return err
		case core.StatusRunning:
			_, err := tx.ExecContext(ctx, `UPDATE jobs SET cancel_requested = 1 WHERE id = ?`, id)
			return err
		}
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", core.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: cancel: %w", err)
	}
	return status, nil
}

// CancelRequested reports whether a running job was flagged for cancellation.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id = ?`, id).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, core.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("store: cancel flag: %w", err)
	}
	return flag == 1, nil
}

// RequeueStale returns jobs left running by a crashed process to pending.
// The attempt counter is rolled back so the replay reuses the same attempt
// index and its action logs stay idempotent.
func (s *Store) RequeueStale(ctx context.Context, now time.Time) (int64, error) {
	res, err := dbExec(ctx, s.db, `
		UPDATE jobs SET status = 'pending', attempts = MAX(attempts - 1, 0),
			eligible_at = ?, worker_id = ''
		WHERE status = 'running'`, ms(now))
	if err != nil {
		return 0, fmt.Errorf("store: requeue stale: %w", err)
	}
	return res.RowsAffected()
}

// QueueStats counts a user's jobs by status.
func (s *Store) QueueStats(ctx context.Context, userID string) (core.QueueStats, error) {
	var qs core.QueueStats
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs WHERE user_id = ? GROUP BY status`, userID)
	if err != nil {
		return qs, fmt.Errorf("store: queue stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return qs, fmt.Errorf("store: queue stats: %w", err)
		}
		switch core.JobStatus(st) {
		case core.StatusPending:
			qs.Pending = n
		case core.StatusRunning:
			qs.Running = n
		case core.StatusCompleted:
			qs.Completed = n
		case core.StatusFailed:
			qs.Failed = n
		case core.StatusCancelled:
			qs.Cancelled = n
		}
	}
	return qs, rows.Err()
}

// NextEligible returns the earliest eligible_at among pending jobs of
// schedulable users, or the zero time when none exist.
func (s *Store) NextEligible(ctx context.Context) (time.Time, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(j.eligible_at) FROM jobs j JOIN users u ON u.id = j.user_id
		WHERE j.status = 'pending' AND u.is_active = 1 AND u.automation_enabled = 1`).Scan(&v)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: next eligible: %w", err)
	}
	if !v.Valid {
		return time.Time{}, nil
	}
	return fromMS(v.Int64), nil
}

func scanJob(r scanner) (*core.Job, error) {
	var (
		j                  core.Job
		kind, status, ek   string
		params             string
		result             sql.NullString
		eligible, created  int64
		started, completed sql.NullInt64
		cancel             int
	)
	err := r.Scan(&j.ID, &j.UserID, &kind, &params, &j.Priority, &status, &j.Attempts, &j.MaxAttempts,
		&eligible, &created, &started, &completed, &ek, &result, &cancel, &j.WorkerID)
	if err != nil {
		return nil, err
	}
	j.Kind = core.JobKind(kind)
	j.Status = core.JobStatus(status)
	j.Params = []byte(params)
	j.EligibleAt = fromMS(eligible)
	j.CreatedAt = fromMS(created)
	j.StartedAt = ptrMS(started)
	j.CompletedAt = ptrMS(completed)
	j.ErrorKind = core.ErrorKind(ek)
	j.Result = rawJSON(result)
	j.CancelRequested = cancel == 1
	return &j, nil
}
