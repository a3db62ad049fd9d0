package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/snaplinked/clock"
	"github.com/hazyhaar/snaplinked/core"
)

// counterColumn whitelists the daily_counters column bumped per action.
var counterColumn = map[core.Action]string{
	core.ActionLike:     "likes",
	core.ActionComment:  "comments",
	core.ActionConnect:  "connections",
	core.ActionView:     "views",
	core.ActionFollowUp: "follow_ups",
}

const counterCols = `date, likes, comments, connections, views, follow_ups, sessions, errors`

func bumpCounter(ctx context.Context, tx *sql.Tx, userID, day, col string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO daily_counters (user_id, date, `+col+`) VALUES (?, ?, 1)
		ON CONFLICT(user_id, date) DO UPDATE SET `+col+` = `+col+` + 1`, userID, day)
	if err != nil {
		return fmt.Errorf("bump %s: %w", col, err)
	}
	return nil
}

// ReadCounters returns a user's counters for day (YYYY-MM-DD). Missing rows
// read as zero.
func (s *Store) ReadCounters(ctx context.Context, userID, day string) (core.Counters, error) {
	c := core.Counters{Date: day}
	err := s.db.QueryRowContext(ctx, `SELECT `+counterCols+` FROM daily_counters
		WHERE user_id = ? AND date = ?`, userID, day).
		Scan(&c.Date, &c.Likes, &c.Comments, &c.Connections, &c.Views, &c.FollowUps, &c.Sessions, &c.Errors)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("store: read counters: %w", err)
	}
	return c, nil
}

// UsageRange returns one Counters per day in [from, to], oldest first.
// Days without activity are filled with zeros.
func (s *Store) UsageRange(ctx context.Context, userID string, from, to time.Time) ([]core.Counters, error) {
	first, last := clock.Day(from), clock.Day(to)
	rows, err := s.db.QueryContext(ctx, `SELECT `+counterCols+` FROM daily_counters
		WHERE user_id = ? AND date >= ? AND date <= ? ORDER BY date`, userID, first, last)
	if err != nil {
		return nil, fmt.Errorf("store: usage range: %w", err)
	}
	defer rows.Close()

	byDay := make(map[string]core.Counters)
	for rows.Next() {
		var c core.Counters
		if err := rows.Scan(&c.Date, &c.Likes, &c.Comments, &c.Connections, &c.Views, &c.FollowUps, &c.Sessions, &c.Errors); err != nil {
			return nil, fmt.Errorf("store: usage range: %w", err)
		}
		byDay[c.Date] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []core.Counters
	for d := from.UTC().Truncate(24 * time.Hour); clock.Day(d) <= last; d = d.Add(24 * time.Hour) {
		day := clock.Day(d)
		c, ok := byDay[day]
		if !ok {
			c = core.Counters{Date: day}
		}
		out = append(out, c)
	}
	return out, nil
}

// IncrementSessions counts one successful login for the user on day.
func (s *Store) IncrementSessions(ctx context.Context, userID string, now time.Time) error {
	_, err := dbExec(ctx, s.db, `
		INSERT INTO daily_counters (user_id, date, sessions) VALUES (?, ?, 1)
		ON CONFLICT(user_id, date) DO UPDATE SET sessions = sessions + 1`, userID, clock.Day(now))
	if err != nil {
		return fmt.Errorf("store: increment sessions: %w", err)
	}
	return nil
}

// ActionStats aggregates a user's action logs since a point in time.
type ActionStats struct {
	Total     int64            `json:"total"`
	Succeeded int64            `json:"succeeded"`
	ByAction  map[string]int64 `json:"by_action"`
	ByError   map[string]int64 `json:"by_error"`
}

// SuccessRate returns Succeeded/Total, 0 when nothing ran.
func (a ActionStats) SuccessRate() float64 {
	if a.Total == 0 {
		return 0
	}
	return float64(a.Succeeded) / float64(a.Total)
}

// ActionStatsSince summarizes action logs created at or after since.
// Generator scans are excluded.
func (s *Store) ActionStatsSince(ctx context.Context, userID string, since time.Time) (ActionStats, error) {
	st := ActionStats{ByAction: map[string]int64{}, ByError: map[string]int64{}}
	rows, err := s.db.QueryContext(ctx, `
		SELECT action, success, error_kind, COUNT(*) FROM action_logs
		WHERE user_id = ? AND created_at >= ? AND action != ?
		GROUP BY action, success, error_kind`, userID, ms(since), string(core.ActionScan))
	if err != nil {
		return st, fmt.Errorf("store: action stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			action, ek string
			success    int
			n          int64
		)
		if err := rows.Scan(&action, &success, &ek, &n); err != nil {
			return st, fmt.Errorf("store: action stats: %w", err)
		}
		st.Total += n
		if success == 1 {
			st.Succeeded += n
			st.ByAction[action] += n
		} else if ek != "" {
			st.ByError[ek] += n
		}
	}
	return st, rows.Err()
}
