package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/snaplinked/core"
	"github.com/hazyhaar/snaplinked/dbopen"
)

// MarkAccepted flags sent invitations whose profile URL now appears among
// the user's connections. Returns the number of rows changed.
func (s *Store) MarkAccepted(ctx context.Context, userID string, profileURLs []string, now time.Time) (int64, error) {
	if len(profileURLs) == 0 {
		return 0, nil
	}
	var total int64
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		total = 0
		for _, u := range profileURLs {
			res, err := tx.ExecContext(ctx, `
				UPDATE connections SET status = 'accepted', accepted_at = ?
				WHERE user_id = ? AND profile_url = ? AND status = 'sent'`,
				ms(now), userID, core.NormalizeProfileURL(u))
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: mark accepted: %w", err)
	}
	return total, nil
}

// PendingFollowUps returns accepted connections whose invitation was sent at
// or before sentBefore, that were never messaged and that have no
// unfinished follow-up job targeting them. Oldest first.
func (s *Store) PendingFollowUps(ctx context.Context, userID string, sentBefore time.Time, limit int) ([]core.Connection, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.user_id, c.profile_url, c.name, c.status, c.sent_at, c.accepted_at, c.messaged_at, c.job_id
		FROM connections c
		WHERE c.user_id = ? AND c.status = 'accepted' AND c.messaged_at IS NULL
		  AND c.sent_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM jobs j
			WHERE j.user_id = c.user_id AND j.kind = ?
			  AND j.status IN ('pending', 'running')
			  AND json_extract(j.params, '$.profile_url') = c.profile_url
		  )
		ORDER BY c.sent_at
		LIMIT ?`, userID, ms(sentBefore), string(core.KindFollowUp), limit)
	if err != nil {
		return nil, fmt.Errorf("store: pending follow-ups: %w", err)
	}
	defer rows.Close()
	return scanConnections(rows)
}

// ListConnections returns every tracked invitation of a user, newest first.
func (s *Store) ListConnections(ctx context.Context, userID string) ([]core.Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, profile_url, name, status, sent_at, accepted_at, messaged_at, job_id
		FROM connections WHERE user_id = ? ORDER BY sent_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list connections: %w", err)
	}
	defer rows.Close()
	return scanConnections(rows)
}

func scanConnections(rows *sql.Rows) ([]core.Connection, error) {
	var out []core.Connection
	for rows.Next() {
		var (
			c                  core.Connection
			status             string
			sent               int64
			accepted, messaged sql.NullInt64
		)
		if err := rows.Scan(&c.UserID, &c.ProfileURL, &c.Name, &status, &sent, &accepted, &messaged, &c.JobID); err != nil {
			return nil, fmt.Errorf("store: scan connection: %w", err)
		}
		c.Status = core.ConnectionStatus(status)
		c.SentAt = fromMS(sent)
		c.AcceptedAt = ptrMS(accepted)
		c.MessagedAt = ptrMS(messaged)
		out = append(out, c)
	}
	return out, rows.Err()
}
