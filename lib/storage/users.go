/*
 * Goalpost
 * Copyright (C) 2024  Goalpost, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/gravitational/trace"

	"github.com/goalpost-dev/goalpost/lib/types"
)

const userColumns = "id, username, week_start_day, timezone, admin, disabled, created_at"

// CreateUser inserts a new user. A duplicate username yields AlreadyExists.
func (s *Storage) CreateUser(ctx context.Context, user types.User) (types.User, error) {
	if err := user.CheckAndSetDefaults(); err != nil {
		return types.User{}, trace.Wrap(err)
	}
	if user.ID == "" {
		user.ID = s.newID()
	}
	user.CreatedAt = s.now()

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, string(user.WeekStartDay), user.Timezone,
		user.Admin, user.Disabled, user.CreatedAt)
	if err != nil {
		return types.User{}, convertError(err)
	}
	return user, nil
}

// GetUser fetches a user by id.
func (s *Storage) GetUser(ctx context.Context, id string) (types.User, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	user, err := scanUser(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return types.User{}, trace.NotFound("user %q not found", id)
		}
		return types.User{}, trace.Wrap(err)
	}
	return user, nil
}

// GetUserByUsername fetches a user by username.
func (s *Storage) GetUserByUsername(ctx context.Context, username string) (types.User, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	user, err := scanUser(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return types.User{}, trace.NotFound("user %q not found", username)
		}
		return types.User{}, trace.Wrap(err)
	}
	return user, nil
}

// ListUsers returns all users ordered by username.
func (s *Storage) ListUsers(ctx context.Context) ([]types.User, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var users []types.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		users = append(users, user)
	}
	return users, trace.Wrap(rows.Err())
}

// UpdateUser overwrites the user's mutable fields.
func (s *Storage) UpdateUser(ctx context.Context, user types.User) (types.User, error) {
	if err := user.CheckAndSetDefaults(); err != nil {
		return types.User{}, trace.Wrap(err)
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE users SET username = ?, week_start_day = ?, timezone = ?, admin = ?, disabled = ? WHERE id = ?`,
		user.Username, string(user.WeekStartDay), user.Timezone, user.Admin, user.Disabled, user.ID)
	if err != nil {
		return types.User{}, convertError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.User{}, trace.NotFound("user %q not found", user.ID)
	}
	return s.GetUser(ctx, user.ID)
}

// DeleteUser removes a user and, via cascade, everything they own.
func (s *Storage) DeleteUser(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return convertError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return trace.NotFound("user %q not found", id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (types.User, error) {
	var u types.User
	var weekStart string
	err := row.Scan(&u.ID, &u.Username, &weekStart, &u.Timezone, &u.Admin, &u.Disabled, &u.CreatedAt)
	if err != nil {
		return types.User{}, convertError(err)
	}
	u.WeekStartDay = types.WeekStartDay(weekStart)
	return u, nil
}

// CreateSession records a bearer session. Sessions are normally written by
// the login collaborator; this is used on bootstrap and in tests.
func (s *Storage) CreateSession(ctx context.Context, session types.Session) (types.Session, error) {
	if session.UserID == "" || session.Token == "" {
		return types.Session{}, trace.BadParameter("missing session user or token")
	}
	if session.ID == "" {
		session.ID = s.newID()
	}
	session.CreatedAt = s.now()

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, token, expires_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.Token, session.ExpiresAt, session.CreatedAt)
	if err != nil {
		return types.Session{}, convertError(err)
	}
	return session, nil
}

// GetSessionByToken resolves a bearer token to its session.
func (s *Storage) GetSessionByToken(ctx context.Context, token string) (types.Session, error) {
	var session types.Session
	err := s.q.QueryRowContext(ctx,
		`SELECT id, user_id, token, expires_at, created_at FROM sessions WHERE token = ?`, token).
		Scan(&session.ID, &session.UserID, &session.Token, &session.ExpiresAt, &session.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Session{}, trace.NotFound("session not found")
		}
		return types.Session{}, convertError(err)
	}
	return session, nil
}

// DeleteSession drops one session by id.
func (s *Storage) DeleteSession(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return convertError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return trace.NotFound("session %q not found", id)
	}
	return nil
}
