package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/snaplinked/core"
	"github.com/hazyhaar/snaplinked/idgen"
)

// ErrDuplicateEmail is returned when an email is already registered.
var ErrDuplicateEmail = errors.New("store: email already registered")

const userCols = `id, email, display_name, is_active, automation_enabled,
	limit_like, limit_comment, limit_connect, token_expires_at, created_at, updated_at`

// CreateUser inserts u. An empty ID is generated; the email is normalized.
func (s *Store) CreateUser(ctx context.Context, u *core.User, now time.Time) error {
	if u.ID == "" {
		u.ID = idgen.User()
	}
	u.Email = core.NormalizeEmail(u.Email)
	if err := core.ValidateUser(u); err != nil {
		return err
	}
	u.CreatedAt, u.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (`+userCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.Email, u.DisplayName, boolInt(u.IsActive), boolInt(u.AutomationEnabled),
		u.DailyLimits.Like, u.DailyLimits.Comment, u.DailyLimits.Connect,
		nullMS(u.TokenExpiresAt), ms(now), ms(now))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: users.email") {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("store: create user: %w", err)
	}
	return nil
}

// GetUser returns the user or core.ErrNotFound.
func (s *Store) GetUser(ctx context.Context, id string) (*core.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return u, nil
}

// GetUserByEmail looks a user up by normalized email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*core.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE email = ?`, core.NormalizeEmail(email))
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user by email: %w", err)
	}
	return u, nil
}

// SetAutomationEnabled toggles automation for a user.
func (s *Store) SetAutomationEnabled(ctx context.Context, id string, enabled bool, now time.Time) error {
	return s.updateUser(ctx, `UPDATE users SET automation_enabled = ?, updated_at = ? WHERE id = ?`,
		boolInt(enabled), ms(now), id)
}

// SetActive soft-activates or deactivates a user.
func (s *Store) SetActive(ctx context.Context, id string, active bool, now time.Time) error {
	return s.updateUser(ctx, `UPDATE users SET is_active = ?, updated_at = ? WHERE id = ?`,
		boolInt(active), ms(now), id)
}

// SetDailyLimits replaces a user's daily limits.
func (s *Store) SetDailyLimits(ctx context.Context, id string, l core.DailyLimits, now time.Time) error {
	if l.Like < 0 || l.Comment < 0 || l.Connect < 0 {
		return fmt.Errorf("store: daily limits must be non-negative")
	}
	return s.updateUser(ctx, `UPDATE users SET limit_like = ?, limit_comment = ?, limit_connect = ?, updated_at = ? WHERE id = ?`,
		l.Like, l.Comment, l.Connect, ms(now), id)
}

func (s *Store) updateUser(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("store: update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(r scanner) (*core.User, error) {
	var (
		u                core.User
		active, enabled  int
		tokenExp         sql.NullInt64
		created, updated int64
	)
	err := r.Scan(&u.ID, &u.Email, &u.DisplayName, &active, &enabled,
		&u.DailyLimits.Like, &u.DailyLimits.Comment, &u.DailyLimits.Connect,
		&tokenExp, &created, &updated)
	if err != nil {
		return nil, err
	}
	u.IsActive = active == 1
	u.AutomationEnabled = enabled == 1
	u.TokenExpiresAt = ptrMS(tokenExp)
	u.CreatedAt = fromMS(created)
	u.UpdatedAt = fromMS(updated)
	return &u, nil
}
