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

// CreateTag inserts a tag. Duplicate names per user yield AlreadyExists.
func (s *Storage) CreateTag(ctx context.Context, tag types.Tag) (types.Tag, error) {
	if err := tag.CheckAndSetDefaults(); err != nil {
		return types.Tag{}, trace.Wrap(err)
	}
	if tag.UserID == "" {
		return types.Tag{}, trace.BadParameter("missing parameter UserID")
	}
	if tag.ID == "" {
		tag.ID = s.newID()
	}
	tag.CreatedAt = s.now()

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO tags (id, user_id, name, color, created_at) VALUES (?, ?, ?, ?, ?)`,
		tag.ID, tag.UserID, tag.Name, tag.Color, tag.CreatedAt)
	if err != nil {
		return types.Tag{}, convertError(err)
	}
	return tag, nil
}

// ListTags returns the user's tags ordered by name.
func (s *Storage) ListTags(ctx context.Context, userID string) ([]types.Tag, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, user_id, name, color, created_at FROM tags WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var tags []types.Tag
	for rows.Next() {
		var tag types.Tag
		if err := rows.Scan(&tag.ID, &tag.UserID, &tag.Name, &tag.Color, &tag.CreatedAt); err != nil {
			return nil, convertError(err)
		}
		tags = append(tags, tag)
	}
	return tags, trace.Wrap(rows.Err())
}

// UpdateTag renames or recolors one of the user's tags.
func (s *Storage) UpdateTag(ctx context.Context, tag types.Tag) (types.Tag, error) {
	if err := tag.CheckAndSetDefaults(); err != nil {
		return types.Tag{}, trace.Wrap(err)
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE tags SET name = ?, color = ? WHERE id = ? AND user_id = ?`,
		tag.Name, tag.Color, tag.ID, tag.UserID)
	if err != nil {
		return types.Tag{}, convertError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.Tag{}, trace.NotFound("tag %q not found", tag.ID)
	}
	return tag, nil
}

// DeleteTag removes one of the user's tags and its task links.
func (s *Storage) DeleteTag(ctx context.Context, userID, id string) error {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM tags WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return convertError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return trace.NotFound("tag %q not found", id)
	}
	return nil
}
