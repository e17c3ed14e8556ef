package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// EnsureUser returns the id of username, creating the user if needed.
func (s *Sqlite) EnsureUser(ctx context.Context, username string) (int64, error) {
	if _, err := s.Db.ExecContext(ctx,
		`INSERT INTO users (username) VALUES (?) ON CONFLICT(username) DO NOTHING`, username); err != nil {
		return 0, err
	}
	var id int64
	err := s.Db.QueryRowContext(ctx, `SELECT id FROM users WHERE username=?`, username).Scan(&id)
	return id, err
}

func (s *Sqlite) Username(ctx context.Context, uid int64) (string, error) {
	var name string
	err := s.Db.QueryRowContext(ctx, `SELECT username FROM users WHERE id=?`, uid).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return name, err
}

func (s *Sqlite) TouchUser(ctx context.Context, uid int64, at time.Time) error {
	_, err := s.Db.ExecContext(ctx, `UPDATE users SET last_active=? WHERE id=?`, formatTime(at), uid)
	return err
}

func (s *Sqlite) LastActive(ctx context.Context, uid int64) (time.Time, error) {
	var at sql.NullString
	err := s.Db.QueryRowContext(ctx, `SELECT last_active FROM users WHERE id=?`, uid).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	return parseTime(at), err
}
