package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/llmlb/llmlb/internal/domain"
	"github.com/llmlb/llmlb/internal/domain/user"
)

func (s *Store) CreateUser(ctx context.Context, u *user.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, role, must_change_password, created_at, last_login_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, string(u.Role), boolToInt(u.MustChangePassword), u.CreatedAt, nullTimePtr(u.LastLoginAt),
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func scanUser(row scannable) (user.User, error) {
	var u user.User
	var role string
	var mustChange int64
	var lastLogin sql.NullTime
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &role, &mustChange, &u.CreatedAt, &lastLogin)
	if err != nil {
		return u, err
	}
	u.Role = user.Role(role)
	u.MustChangePassword = mustChange != 0
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return u, nil
}

const userColumns = `id, username, password_hash, role, must_change_password, created_at, last_login_at`

func (s *Store) GetUser(ctx context.Context, id string) (*user.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, notFoundWrap(err, "get user %s", id)
	}
	return &u, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*user.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	u, err := scanUser(row)
	if err != nil {
		return nil, notFoundWrap(err, "get user by username %s", username)
	}
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]user.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []user.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) UpdateUser(ctx context.Context, u *user.User) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET username = ?, password_hash = ?, role = ?, must_change_password = ?
		WHERE id = ?`,
		u.Username, u.PasswordHash, string(u.Role), boolToInt(u.MustChangePassword), u.ID,
	)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("update user %s: %w", u.ID, domain.ErrConflict)
	}
	return execExpectOne(res, err, "update user %s", u.ID)
}

func (s *Store) UpdateUserLastLogin(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at = ? WHERE id = ?`, at, id)
	return execExpectOne(res, err, "update user last login %s", id)
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	return execExpectOne(res, err, "delete user %s", id)
}

func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}
