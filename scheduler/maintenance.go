package scheduler

import (
	"context"
	"time"
)

// maintain runs retention, session reaping and heartbeats until ctx is
// done.
func (s *Service) maintain(ctx context.Context) {
	maint := time.NewTicker(s.cfg.MaintenanceInterval)
	defer maint.Stop()

	var beat <-chan time.Time
	if s.heartbeat != nil {
		t := time.NewTicker(s.cfg.HeartbeatInterval)
		defer t.Stop()
		beat = t.C
		s.beat(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-beat:
			s.beat(ctx)
		case <-maint.C:
			s.Maintain(ctx)
		}
	}
}

func (s *Service) beat(ctx context.Context) {
	if err := s.heartbeat.Beat(ctx, s.clock.Now()); err != nil {
		s.logger.Warn("scheduler: heartbeat failed", "error", err)
	}
}

// MaintenanceReport is what one Maintain pass removed.
type MaintenanceReport struct {
	Logs       int64 `json:"logs"`
	Jobs       int64 `json:"jobs"`
	Sessions   int   `json:"sessions"`
	Heartbeats int64 `json:"heartbeats"`
}

// Maintain prunes old action logs and finished jobs, closes idle browser
// sessions and drops old heartbeats.
func (s *Service) Maintain(ctx context.Context) MaintenanceReport {
	now := s.clock.Now()
	var r MaintenanceReport
	var err error
	if r.Logs, err = s.store.PruneActionLogs(ctx, now.Add(-s.cfg.LogRetention)); err != nil {
		s.logger.Warn("scheduler: prune logs failed", "error", err)
	}
	if r.Jobs, err = s.store.PurgeFinishedJobs(ctx, now.Add(-s.cfg.JobRetention)); err != nil {
		s.logger.Warn("scheduler: purge jobs failed", "error", err)
	}
	if s.sessions != nil {
		r.Sessions = s.sessions.Reap(ctx, now)
	}
	if s.heartbeat != nil {
		if r.Heartbeats, err = s.heartbeat.Cleanup(ctx, now.Add(-s.cfg.LogRetention)); err != nil {
			s.logger.Warn("scheduler: heartbeat cleanup failed", "error", err)
		}
	}
	if r.Logs+r.Jobs+r.Heartbeats > 0 || r.Sessions > 0 {
		s.logger.Info("scheduler: maintenance", "logs", r.Logs, "jobs", r.Jobs,
			"sessions", r.Sessions, "heartbeats", r.Heartbeats)
	}
	return r
}
