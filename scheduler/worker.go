package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/hazyhaar/snaplinked/core"
	"github.com/hazyhaar/snaplinked/events"
	"github.com/hazyhaar/snaplinked/executor"
	"github.com/hazyhaar/snaplinked/quota"
	"github.com/hazyhaar/snaplinked/store"
)

// Run replays jobs a crash left running, then claims and executes jobs
// on the worker pool until ctx is done. In-flight jobs are drained before
// Run returns.
func (s *Service) Run(ctx context.Context) error {
	n, err := s.store.RequeueStale(ctx, s.clock.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Warn("scheduler: requeued stale jobs", "count", n)
	}

	var (
		wg    sync.WaitGroup
		slots = make(chan struct{}, s.cfg.Workers)
		seq   atomic.Int64
	)
	pool, err := ants.NewPoolWithFunc(s.cfg.Workers, func(arg any) {
		job := arg.(*core.Job)
		defer func() {
			<-slots
			wg.Done()
			s.Wake()
		}()
		s.process(ctx, job)
	})
	if err != nil {
		return fmt.Errorf("scheduler: create pool: %w", err)
	}
	defer pool.Release()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.maintain(ctx)
	}()

	s.logger.Info("scheduler: started", "workers", s.cfg.Workers)
	defer s.logger.Info("scheduler: stopped")

	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return nil
		}

		workerID := fmt.Sprintf("%s-%d", s.cfg.WorkerName, seq.Add(1))
		job, err := s.store.ClaimNextJob(ctx, workerID, s.clock.Now())
		if err != nil {
			<-slots
			if !errors.Is(err, core.ErrNoWork) && ctx.Err() == nil {
				s.logger.Error("scheduler: claim failed", "error", err)
			}
			s.idle(ctx)
			continue
		}

		wg.Add(1)
		if err := pool.Invoke(job); err != nil {
			wg.Done()
			<-slots
			s.logger.Error("scheduler: pool rejected job", "job_id", job.ID, "error", err)
			_ = s.store.DeferJob(context.WithoutCancel(ctx), job.ID, s.clock.Now(), s.clock.Now())
		}
	}
}

// idle waits until Wake, IdlePoll or the next future eligible_at,
// whichever comes first. Jobs already due but blocked behind a running
// job of the same user are picked up on the Wake their worker sends.
func (s *Service) idle(ctx context.Context) {
	wait := s.cfg.IdlePoll
	if next, err := s.store.NextEligible(ctx); err == nil && !next.IsZero() {
		if d := next.Sub(s.clock.Now()); d > 0 && d < wait {
			wait = d
		}
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-s.wake:
	case <-t.C:
	}
}

// RunOnce claims and runs one ready job on the calling goroutine. Returns
// core.ErrNoWork when nothing is ready.
func (s *Service) RunOnce(ctx context.Context, workerID string) (*core.Job, error) {
	job, err := s.store.ClaimNextJob(ctx, workerID, s.clock.Now())
	if err != nil {
		return nil, err
	}
	s.process(ctx, job)
	return s.store.GetJob(context.WithoutCancel(ctx), job.ID)
}

// process runs one claimed job to a committed transition.
func (s *Service) process(ctx context.Context, job *core.Job) {
	s.running.Add(1)
	defer s.running.Add(-1)
	lock := s.userLock(job.UserID)
	lock.Lock()
	defer lock.Unlock()
	defer s.clearCancel(job.ID)

	// Commits must land even when ctx is cancelled mid-run.
	commitCtx := context.WithoutCancel(ctx)
	log := s.logger.With("job_id", job.ID, "user_id", job.UserID, "kind", job.Kind)

	if deferred := s.precheck(commitCtx, job); deferred {
		return
	}

	s.rec.Emit(commitCtx, events.Event{Type: events.JobStarted, JobID: job.ID, UserID: job.UserID, Kind: job.Kind})
	log.Info("scheduler: job started", "attempt", job.Attempts)

	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	var out executor.Outcome
	h, err := s.sessions.Acquire(jobCtx, job.UserID)
	if err != nil {
		out.Terminal, out.Err = core.KindOf(err), err
	} else {
		out = s.execute(jobCtx, h, job)
		s.sessions.Release(h)
	}

	if !out.Cancelled && (out.Terminal != "" || out.Deny != nil) && s.cancelRequested(commitCtx, job.ID) {
		out.Cancelled = true
	}
	if ctx.Err() != nil && out.Terminal != "" && !out.Cancelled {
		// Shutdown: hand the job back without spending the attempt. The
		// committed logs are the resume point of the next run.
		s.commit(commitCtx, job, out, store.Transition{Kind: store.TransitionDefer, EligibleAt: s.clock.Now()})
		log.Info("scheduler: job returned to queue on shutdown", "succeeded", out.Succeeded)
		return
	}
	if out.Deny != nil && out.Terminal == "" && !out.Cancelled {
		s.deferJob(commitCtx, job, out, *out.Deny)
		return
	}
	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) && out.Terminal != "" {
		out.Terminal = core.ErrTimeout
	}

	t := s.transition(job, out)
	st := s.commit(commitCtx, job, out, t)

	switch {
	case out.Terminal == core.ErrChallengeRequired:
		s.disable(commitCtx, job)
	case out.Terminal == core.ErrInternal:
		log.Error("scheduler: job hit an internal error", "error", out.Err, "status", st)
	case out.Terminal != "":
		log.Warn("scheduler: job ended on error", "error_kind", out.Terminal, "error", out.Err, "status", st)
	default:
		log.Info("scheduler: job finished", "status", st, "succeeded", out.Succeeded, "stopped", out.Stopped)
	}
}

// precheck asks the governor whether the job's first action may run. On
// a deny the job is deferred and a quota warning is emitted.
func (s *Service) precheck(ctx context.Context, job *core.Job) (deferred bool) {
	a := firstAction(job)
	now := s.clock.Now()
	d, err := s.gov.Check(ctx, job.UserID, a, now)
	if err != nil {
		s.logger.Error("scheduler: quota check failed", "job_id", job.ID, "error", err)
		d = quota.Decision{Verdict: quota.DenyDisabled, Action: a, Remaining: -1}
	}
	if d.Allowed() {
		return false
	}
	if d.Action == "" {
		d.Action = a
	}
	s.deferJob(ctx, job, executor.Outcome{}, d)
	return true
}

// deferJob commits out and returns the job to pending until the window
// that denied d reopens. The attempt is not consumed and the committed
// logs carry over to the next run.
func (s *Service) deferJob(ctx context.Context, job *core.Job, out executor.Outcome, d quota.Decision) {
	wait := d.RetryAfter
	if wait <= 0 {
		wait = s.cfg.DisabledRetry
	}
	st := s.commit(ctx, job, out, store.Transition{Kind: store.TransitionDefer, EligibleAt: s.clock.Now().Add(wait)})
	if st != core.StatusPending {
		return
	}
	a := d.Action
	if a == "" {
		a = job.Kind.Action()
	}
	remaining := d.Remaining
	if d.Verdict != quota.DenyQuotaExhausted {
		remaining = -1
	}
	s.rec.QuotaWarning(ctx, job, a, remaining, d.Verdict.String())
	s.logger.Info("scheduler: job deferred", "job_id", job.ID, "user_id", job.UserID,
		"verdict", d.Verdict.String(), "window", d.Window, "retry_after", wait.String(),
		"succeeded", out.Succeeded)
}

// firstAction is the action a job performs first. Follow-up generators
// only read the network and are checked as scans.
func firstAction(job *core.Job) core.Action {
	if job.Kind == core.KindFollowUp {
		if p, err := core.DecodeParams[core.FollowUpParams](job.Params); err == nil && p.ProfileURL == "" {
			return core.ActionScan
		}
	}
	return job.Kind.Action()
}

// execute runs the job, turning a panic into an internal error.
func (s *Service) execute(ctx context.Context, h executor.Session, job *core.Job) (out executor.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler: executor panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			out.Terminal = core.ErrInternal
			out.Err = fmt.Errorf("panic: %v", r)
		}
	}()

	prog, err := s.store.Progress(ctx, job.ID, job.Attempts)
	if err != nil {
		s.logger.Warn("scheduler: read job progress", "job_id", job.ID, "error", err)
	}
	run := executor.Run{
		Resume:    prog,
		Job:       *job,
		Attempt:   job.Attempts,
		Gate:      &gate{s: s, userID: job.UserID},
		Cancelled: s.cancelChecker(ctx, job.ID),
		Progress: func(done, total int) {
			s.rec.Emit(ctx, events.Event{Type: events.JobProgress, JobID: job.ID, UserID: job.UserID,
				Kind: job.Kind, Done: done, Total: total})
		},
		Enqueue: func(ctx context.Context, spec core.JobSpec) (string, error) {
			return s.Enqueue(ctx, job.UserID, spec)
		},
	}
	return s.runner.Execute(ctx, h, run)
}

// cancelChecker returns the job's cancel flag. The in-process flag set by
// Cancel is read on every call; the stored flag at most every CancelPoll.
func (s *Service) cancelChecker(ctx context.Context, jobID string) func() bool {
	var (
		last      time.Time
		requested bool
	)
	return func() bool {
		if requested || s.cancelFlag(jobID) {
			return true
		}
		now := s.clock.Now()
		if !last.IsZero() && now.Sub(last) < s.cfg.CancelPoll {
			return false
		}
		last = now
		flag, err := s.store.CancelRequested(ctx, jobID)
		if err != nil {
			return false
		}
		requested = flag
		return flag
	}
}

// cancelRequested reads the in-process flag, then the stored one.
func (s *Service) cancelRequested(ctx context.Context, jobID string) bool {
	if s.cancelFlag(jobID) {
		return true
	}
	flag, err := s.store.CancelRequested(ctx, jobID)
	if err != nil {
		s.logger.Warn("scheduler: read cancel flag", "job_id", jobID, "error", err)
	}
	return flag
}

// transition maps an outcome to the job's next state.
func (s *Service) transition(job *core.Job, out executor.Outcome) store.Transition {
	switch {
	case out.Cancelled:
		return store.Transition{Kind: store.TransitionCancel}
	case out.Terminal == "":
		return store.Transition{Kind: store.TransitionComplete}
	case out.Terminal == core.ErrCancelled:
		return store.Transition{Kind: store.TransitionCancel}
	}
	t := store.Transition{Kind: store.TransitionFail, ErrorKind: out.Terminal}
	retriable := out.Terminal.Retriable()
	if out.Terminal == core.ErrInternal && job.Attempts > 1 {
		retriable = false
	}
	if retriable && job.Attempts < job.MaxAttempts {
		t.Kind = store.TransitionRetry
		t.EligibleAt = s.clock.Now().Add(s.cfg.Backoff.Delay(s.clock, job.Attempts))
	}
	return t
}

func (s *Service) commit(ctx context.Context, job *core.Job, out executor.Outcome, t store.Transition) core.JobStatus {
	st, err := s.rec.Commit(ctx, job, out, t)
	if err != nil {
		// The job stays running; RequeueStale replays it on the next boot.
		s.logger.Error("scheduler: commit failed", "job_id", job.ID, "error", err)
	}
	return st
}

// disable turns automation off for a user stuck on a security challenge.
func (s *Service) disable(ctx context.Context, job *core.Job) {
	if err := s.store.SetAutomationEnabled(ctx, job.UserID, false, s.clock.Now()); err != nil {
		s.logger.Error("scheduler: disable automation failed", "user_id", job.UserID, "error", err)
		return
	}
	s.gov.Forget(job.UserID)
	s.rec.QuotaWarning(ctx, job, job.Kind.Action(), -1, quota.DenyDisabled.String())
	s.logger.Warn("scheduler: automation disabled after challenge", "user_id", job.UserID)
}

// gate adapts the governor to one running job.
type gate struct {
	s      *Service
	userID string
}

func (g *gate) Before(ctx context.Context, a core.Action) (quota.Decision, error) {
	return g.s.gov.Check(ctx, g.userID, a, g.s.clock.Now())
}

func (g *gate) Success(a core.Action) {
	g.s.gov.Commit(g.userID, a, g.s.clock.Now())
}

func (g *gate) Failure(_ core.Action, kind core.ErrorKind) {
	g.s.gov.RecordFailure(g.userID, kind, g.s.clock.Now())
}
