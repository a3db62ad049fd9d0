package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/snaplinked/core"
)

// SealedCredentials is the encrypted credential blob as stored.
type SealedCredentials struct {
	Kind      string
	Sealed    []byte
	ExpiresAt *time.Time
}

// PutCredentials stores an already-encrypted credential blob.
func (s *Store) PutCredentials(ctx context.Context, userID string, c SealedCredentials, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (user_id, kind, sealed, expires_at, updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(user_id) DO UPDATE SET
			kind = excluded.kind, sealed = excluded.sealed,
			expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		userID, c.Kind, c.Sealed, nullMS(c.ExpiresAt), ms(now))
	if err != nil {
		return fmt.Errorf("store: put credentials: %w", err)
	}
	return nil
}

// GetCredentials returns the sealed blob or core.ErrNotFound.
func (s *Store) GetCredentials(ctx context.Context, userID string) (*SealedCredentials, error) {
	var (
		c   SealedCredentials
		exp sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT kind, sealed, expires_at FROM credentials WHERE user_id = ?`, userID).
		Scan(&c.Kind, &c.Sealed, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get credentials: %w", err)
	}
	c.ExpiresAt = ptrMS(exp)
	return &c, nil
}

// DeleteCredentials removes a user's credentials.
func (s *Store) DeleteCredentials(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("store: delete credentials: %w", err)
	}
	return nil
}
