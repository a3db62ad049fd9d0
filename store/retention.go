package store

import (
	"context"
	"fmt"
	"time"
)

// PruneActionLogs deletes action logs created before cutoff.
func (s *Store) PruneActionLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := dbExec(ctx, s.db, `DELETE FROM action_logs WHERE created_at < ?`, ms(before))
	if err != nil {
		return 0, fmt.Errorf("store: prune action logs: %w", err)
	}
	return res.RowsAffected()
}

// PurgeFinishedJobs deletes terminal jobs completed before cutoff. Their
// action logs stay until PruneActionLogs removes them.
func (s *Store) PurgeFinishedJobs(ctx context.Context, before time.Time) (int64, error) {
	res, err := dbExec(ctx, s.db, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < ?`, ms(before))
	if err != nil {
		return 0, fmt.Errorf("store: purge finished jobs: %w", err)
	}
	return res.RowsAffected()
}
