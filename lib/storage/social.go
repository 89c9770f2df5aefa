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

	"github.com/gravitational/trace"

	"github.com/goalpost-dev/goalpost/lib/types"
)

// CreateReflection inserts a journal entry for the user.
func (s *Storage) CreateReflection(ctx context.Context, r types.Reflection) (types.Reflection, error) {
	if err := r.CheckAndSetDefaults(); err != nil {
		return types.Reflection{}, trace.Wrap(err)
	}
	if r.UserID == "" {
		return types.Reflection{}, trace.BadParameter("missing parameter UserID")
	}
	if r.ID == "" {
		r.ID = s.newID()
	}
	r.CreatedAt = s.now()
	r.UpdatedAt = r.CreatedAt

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO reflections (id, user_id, date, content, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.Date, r.Content, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return types.Reflection{}, convertError(err)
	}
	return r, nil
}

// ListReflections returns the user's journal entries newest first.
func (s *Storage) ListReflections(ctx context.Context, userID string) ([]types.Reflection, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, user_id, date, content, created_at, updated_at FROM reflections
		 WHERE user_id = ? ORDER BY date DESC, created_at DESC`, userID)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var reflections []types.Reflection
	for rows.Next() {
		var r types.Reflection
		if err := rows.Scan(&r.ID, &r.UserID, &r.Date, &r.Content, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, convertError(err)
		}
		reflections = append(reflections, r)
	}
	return reflections, trace.Wrap(rows.Err())
}

// DeleteReflection removes one of the user's journal entries.
func (s *Storage) DeleteReflection(ctx context.Context, userID, id string) error {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM reflections WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return convertError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return trace.NotFound("reflection %q not found", id)
	}
	return nil
}

// CreatePrinciple inserts a principle for the user.
func (s *Storage) CreatePrinciple(ctx context.Context, p types.Principle) (types.Principle, error) {
	if err := p.CheckAndSetDefaults(); err != nil {
		return types.Principle{}, trace.Wrap(err)
	}
	if p.UserID == "" {
		return types.Principle{}, trace.BadParameter("missing parameter UserID")
	}
	if p.ID == "" {
		p.ID = s.newID()
	}
	p.CreatedAt = s.now()

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO principles (id, user_id, title, description, sort_order, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Title, p.Description, p.SortOrder, p.CreatedAt)
	if err != nil {
		return types.Principle{}, convertError(err)
	}
	return p, nil
}

// ListPrinciples returns the user's principles in sort order.
func (s *Storage) ListPrinciples(ctx context.Context, userID string) ([]types.Principle, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, user_id, title, description, sort_order, created_at FROM principles
		 WHERE user_id = ? ORDER BY sort_order, created_at`, userID)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var principles []types.Principle
	for rows.Next() {
		var p types.Principle
		if err := rows.Scan(&p.ID, &p.UserID, &p.Title, &p.Description, &p.SortOrder, &p.CreatedAt); err != nil {
			return nil, convertError(err)
		}
		principles = append(principles, p)
	}
	return principles, trace.Wrap(rows.Err())
}

// DeletePrinciple removes one of the user's principles.
func (s *Storage) DeletePrinciple(ctx context.Context, userID, id string) error {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM principles WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return convertError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return trace.NotFound("principle %q not found", id)
	}
	return nil
}

// CreatePersonalValue inserts a personal value for the user.
func (s *Storage) CreatePersonalValue(ctx context.Context, v types.PersonalValue) (types.PersonalValue, error) {
	if err := v.CheckAndSetDefaults(); err != nil {
		return types.PersonalValue{}, trace.Wrap(err)
	}
	if v.UserID == "" {
		return types.PersonalValue{}, trace.BadParameter("missing parameter UserID")
	}
	if v.ID == "" {
		v.ID = s.newID()
	}
	v.CreatedAt = s.now()

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO personal_values (id, user_id, title, description, sort_order, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		v.ID, v.UserID, v.Title, v.Description, v.SortOrder, v.CreatedAt)
	if err != nil {
		return types.PersonalValue{}, convertError(err)
	}
	return v, nil
}

// ListPersonalValues returns the user's personal values in sort order.
func (s *Storage) ListPersonalValues(ctx context.Context, userID string) ([]types.PersonalValue, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, user_id, title, description, sort_order, created_at FROM personal_values
		 WHERE user_id = ? ORDER BY sort_order, created_at`, userID)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var values []types.PersonalValue
	for rows.Next() {
		var v types.PersonalValue
		if err := rows.Scan(&v.ID, &v.UserID, &v.Title, &v.Description, &v.SortOrder, &v.CreatedAt); err != nil {
			return nil, convertError(err)
		}
		values = append(values, v)
	}
	return values, trace.Wrap(rows.Err())
}

// DeletePersonalValue removes one of the user's personal values.
func (s *Storage) DeletePersonalValue(ctx context.Context, userID, id string) error {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM personal_values WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return convertError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return trace.NotFound("personal value %q not found", id)
	}
	return nil
}

// CreateFriendship links two users, one direction per row.
func (s *Storage) CreateFriendship(ctx context.Context, f types.Friendship) (types.Friendship, error) {
	if f.UserID == "" || f.FriendUserID == "" {
		return types.Friendship{}, trace.BadParameter("missing friendship users")
	}
	if f.ID == "" {
		f.ID = s.newID()
	}
	f.CreatedAt = s.now()

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO friendships (id, user_id, friend_user_id, created_at) VALUES (?, ?, ?, ?)`,
		f.ID, f.UserID, f.FriendUserID, f.CreatedAt)
	if err != nil {
		return types.Friendship{}, convertError(err)
	}
	return f, nil
}

// ListFriendships returns the user's outgoing friendship rows.
func (s *Storage) ListFriendships(ctx context.Context, userID string) ([]types.Friendship, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, user_id, friend_user_id, created_at FROM friendships
		 WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var friendships []types.Friendship
	for rows.Next() {
		var f types.Friendship
		if err := rows.Scan(&f.ID, &f.UserID, &f.FriendUserID, &f.CreatedAt); err != nil {
			return nil, convertError(err)
		}
		friendships = append(friendships, f)
	}
	return friendships, trace.Wrap(rows.Err())
}

// DeleteFriendship removes one direction of a friendship.
func (s *Storage) DeleteFriendship(ctx context.Context, userID, id string) error {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM friendships WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return convertError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return trace.NotFound("friendship %q not found", id)
	}
	return nil
}

// CreateFriendRequest inserts an invitation between two users.
func (s *Storage) CreateFriendRequest(ctx context.Context, r types.FriendRequest) (types.FriendRequest, error) {
	if r.FromUserID == "" || r.ToUserID == "" {
		return types.FriendRequest{}, trace.BadParameter("missing friend request users")
	}
	if r.Status == "" {
		r.Status = types.FriendRequestPending
	}
	if r.ID == "" {
		r.ID = s.newID()
	}
	r.CreatedAt = s.now()
	r.UpdatedAt = r.CreatedAt

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO friend_requests (id, from_user_id, to_user_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.FromUserID, r.ToUserID, string(r.Status), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return types.FriendRequest{}, convertError(err)
	}
	return r, nil
}

// ListFriendRequests returns requests sent or received by the user.
func (s *Storage) ListFriendRequests(ctx context.Context, userID string) ([]types.FriendRequest, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, from_user_id, to_user_id, status, created_at, updated_at FROM friend_requests
		 WHERE from_user_id = ? OR to_user_id = ? ORDER BY created_at`, userID, userID)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var requests []types.FriendRequest
	for rows.Next() {
		var r types.FriendRequest
		var status string
		if err := rows.Scan(&r.ID, &r.FromUserID, &r.ToUserID, &status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, convertError(err)
		}
		r.Status = types.FriendRequestStatus(status)
		requests = append(requests, r)
	}
	return requests, trace.Wrap(rows.Err())
}
