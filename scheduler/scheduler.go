// Package scheduler owns the job queue: it validates and stores submitted
// jobs, claims them in priority order, runs each one on a pooled worker
// under the user's lock, and hands every outcome to the recorder.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/snaplinked/browser"
	"github.com/hazyhaar/snaplinked/clock"
	"github.com/hazyhaar/snaplinked/core"
	"github.com/hazyhaar/snaplinked/events"
	"github.com/hazyhaar/snaplinked/executor"
	"github.com/hazyhaar/snaplinked/quota"
	"github.com/hazyhaar/snaplinked/recorder"
	"github.com/hazyhaar/snaplinked/store"
)

// Sessions leases browser sessions. *browser.Manager implements it.
type Sessions interface {
	Acquire(ctx context.Context, userID string) (*browser.Handle, error)
	Release(h *browser.Handle)
	Reap(ctx context.Context, now time.Time) int
}

// Runner executes one job attempt. *executor.Executor implements it.
type Runner interface {
	Execute(ctx context.Context, s executor.Session, r executor.Run) executor.Outcome
}

// Heartbeat records worker liveness.
type Heartbeat interface {
	Beat(ctx context.Context, now time.Time) error
	Cleanup(ctx context.Context, before time.Time) (int64, error)
}

// Service is the job scheduler.
type Service struct {
	cfg       Config
	store     *store.Store
	gov       *quota.Governor
	sessions  Sessions
	runner    Runner
	router    *events.Router
	sinks     []events.Sink
	rec       *recorder.Recorder
	heartbeat Heartbeat
	clock     clock.Clock
	logger    *slog.Logger

	wake    chan struct{}
	running atomic.Int64

	mu      sync.Mutex
	users   map[string]*sync.Mutex
	cancels map[string]bool
}

// Option configures a Service.
type Option func(*Service)

// WithConfig sets the pool and maintenance configuration.
func WithConfig(c Config) Option { return func(s *Service) { s.cfg = c } }

// WithClock sets the clock (default clock.New()).
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithHeartbeat enables liveness probes on the maintenance loop.
func WithHeartbeat(h Heartbeat) Option { return func(s *Service) { s.heartbeat = h } }

// WithSinks registers event sinks at construction.
func WithSinks(sinks ...events.Sink) Option {
	return func(s *Service) { s.sinks = append(s.sinks, sinks...) }
}

// New creates a Service.
func New(st *store.Store, gov *quota.Governor, sessions Sessions, runner Runner, opts ...Option) *Service {
	s := &Service{
		store:    st,
		gov:      gov,
		sessions: sessions,
		runner:   runner,
		wake:     make(chan struct{}, 1),
		users:    make(map[string]*sync.Mutex),
		cancels:  make(map[string]bool),
	}
	for _, o := range opts {
		o(s)
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.router = events.NewRouter(s.logger, s.sinks...)
	s.cfg.defaults()
	s.rec = recorder.New(st, s.router,
		recorder.WithBudget(gov), recorder.WithClock(s.clock), recorder.WithLogger(s.logger))
	return s
}

// Enqueue validates spec and stores a pending job for userID.
func (s *Service) Enqueue(ctx context.Context, userID string, spec core.JobSpec) (string, error) {
	if _, err := core.ValidateSpec(spec); err != nil {
		return "", core.E(core.ErrInvalidSpecKind, "scheduler: enqueue", err)
	}
	nj := store.NewJob{
		UserID:      userID,
		Kind:        spec.Kind,
		Params:      spec.Params,
		Priority:    core.DefaultPriority,
		MaxAttempts: core.DefaultMaxAttempts,
		DedupeKey:   spec.DedupeKey,
	}
	if spec.Priority != nil {
		nj.Priority = *spec.Priority
	}
	if spec.MaxAttempts != nil {
		nj.MaxAttempts = *spec.MaxAttempts
	}
	if spec.NotBefore != nil {
		nj.EligibleAt = *spec.NotBefore
	}
	now := s.clock.Now()
	job, err := s.store.InsertJob(ctx, nj, now)
	if errors.Is(err, store.ErrJobExists) {
		s.logger.Debug("scheduler: job already enqueued", "job_id", job.ID, "user_id", userID, "dedupe_key", spec.DedupeKey)
		return job.ID, nil
	}
	if err != nil {
		return "", err
	}
	s.rec.Emit(ctx, events.Event{Type: events.JobEnqueued, JobID: job.ID, UserID: userID, Kind: job.Kind, At: now})
	s.logger.Info("scheduler: job enqueued", "job_id", job.ID, "user_id", userID, "kind", job.Kind)
	s.Wake()
	return job.ID, nil
}

// Cancel cancels a pending job at once or asks a running one to stop at
// its next pause. Terminal jobs are left as they are.
func (s *Service) Cancel(ctx context.Context, jobID string) (core.JobStatus, error) {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	now := s.clock.Now()
	st, err := s.store.RequestCancel(ctx, jobID, now)
	if err != nil {
		return "", err
	}
	switch {
	case st == core.StatusCancelled && j.Status == core.StatusPending:
		s.rec.Emit(ctx, events.Event{Type: events.JobCancelled, JobID: j.ID, UserID: j.UserID, Kind: j.Kind, At: now})
	case st == core.StatusRunning:
		s.mu.Lock()
		s.cancels[jobID] = true
		s.mu.Unlock()
	}
	return st, nil
}

// Get returns a job.
func (s *Service) Get(ctx context.Context, jobID string) (*core.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// List returns a user's jobs, newest first.
func (s *Service) List(ctx context.Context, userID string, f core.JobFilter) ([]*core.Job, error) {
	return s.store.ListJobs(ctx, userID, f)
}

// DailyUsage returns the user's counters for day (YYYY-MM-DD, UTC).
// An empty day means today.
func (s *Service) DailyUsage(ctx context.Context, userID, day string) (core.Counters, error) {
	if day == "" {
		day = clock.Day(s.clock.Now())
	} else if _, err := time.Parse(time.DateOnly, day); err != nil {
		return core.Counters{}, fmt.Errorf("%w: date must be YYYY-MM-DD", core.ErrInvalidSpec)
	}
	return s.store.ReadCounters(ctx, userID, day)
}

// Stats is a user's queue summary.
type Stats struct {
	Queue     core.QueueStats       `json:"queue"`
	Remaining map[core.Action]int64 `json:"remaining"`
	Breaker   string                `json:"breaker"`
}

// Stats counts the user's jobs by status and reports the daily budget left.
func (s *Service) Stats(ctx context.Context, userID string) (Stats, error) {
	qs, err := s.store.QueueStats(ctx, userID)
	if err != nil {
		return Stats{}, err
	}
	now := s.clock.Now()
	rem, err := s.gov.Remaining(ctx, userID, now)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Queue: qs, Remaining: rem, Breaker: s.gov.BreakerState(userID, now).String()}, nil
}

// Subscribe registers an event sink.
func (s *Service) Subscribe(sink events.Sink) { s.router.Add(sink) }

// Events returns the router every event goes through.
func (s *Service) Events() *events.Router { return s.router }

// SessionChanged publishes a browser session transition. Pass it to
// browser.WithStateHook.
func (s *Service) SessionChanged(sc browser.StateChange) {
	s.rec.Emit(context.Background(), events.Event{
		Type:      events.SessionStateChanged,
		UserID:    sc.UserID,
		State:     string(sc.To),
		ErrorKind: sc.ErrorKind,
		At:        sc.At,
	})
}

// Config returns the effective configuration, defaults applied.
func (s *Service) Config() Config { return s.cfg }

// Running reports the number of jobs being processed.
func (s *Service) Running() int { return int(s.running.Load()) }

// Wake nudges an idle dispatcher to claim immediately.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.users[userID]
	if !ok {
		m = &sync.Mutex{}
		s.users[userID] = m
	}
	return m
}

func (s *Service) cancelFlag(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels[jobID]
}

func (s *Service) clearCancel(jobID string) {
	s.mu.Lock()
	delete(s.cancels, jobID)
	s.mu.Unlock()
}
