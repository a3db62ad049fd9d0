package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/snaplinked/core"
)

// SessionRecord is the persisted view of a browser session.
type SessionRecord struct {
	UserID         string
	State          core.SessionState
	LastActivityAt *time.Time
	LastError      string
	UpdatedAt      time.Time
}

// SaveSessionState records the latest state of a user's session.
func (s *Store) SaveSessionState(ctx context.Context, userID string, state core.SessionState, lastErr string, now time.Time) error {
	_, err := dbExec(ctx, s.db, `
		INSERT INTO browser_sessions (user_id, state, last_activity_at, last_error, updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(user_id) DO UPDATE SET
			state = excluded.state,
			last_activity_at = excluded.last_activity_at,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		userID, string(state), ms(now), lastErr, ms(now))
	if err != nil {
		return fmt.Errorf("store: save session state: %w", err)
	}
	return nil
}

// GetSession returns the persisted session record or core.ErrNotFound.
func (s *Store) GetSession(ctx context.Context, userID string) (*SessionRecord, error) {
	var (
		r       SessionRecord
		state   string
		last    sql.NullInt64
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, state, last_activity_at, last_error, updated_at
		FROM browser_sessions WHERE user_id = ?`, userID).
		Scan(&r.UserID, &state, &last, &r.LastError, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	r.State = core.SessionState(state)
	r.LastActivityAt = ptrMS(last)
	r.UpdatedAt = fromMS(updated)
	return &r, nil
}

// SaveStorageState stores the sealed browser storage state (cookies).
func (s *Store) SaveStorageState(ctx context.Context, userID string, sealed []byte, now time.Time) error {
	_, err := dbExec(ctx, s.db, `
		INSERT INTO browser_sessions (user_id, storage_state, updated_at)
		VALUES (?,?,?)
		ON CONFLICT(user_id) DO UPDATE SET
			storage_state = excluded.storage_state,
			updated_at = excluded.updated_at`,
		userID, sealed, ms(now))
	if err != nil {
		return fmt.Errorf("store: save storage state: %w", err)
	}
	return nil
}

// LoadStorageState returns the sealed storage state, nil if none.
func (s *Store) LoadStorageState(ctx context.Context, userID string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT storage_state FROM browser_sessions WHERE user_id = ?`, userID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load storage state: %w", err)
	}
	return blob, nil
}

// ClearStorageState forgets persisted cookies, forcing a credential login.
func (s *Store) ClearStorageState(ctx context.Context, userID string) error {
	if _, err := dbExec(ctx, s.db,
		`UPDATE browser_sessions SET storage_state = NULL WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("store: clear storage state: %w", err)
	}
	return nil
}
