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

const savedQueryColumns = "id, user_id, name, code, query_type, created_at, updated_at"

// CreateSavedQuery inserts a saved query for the user.
func (s *Storage) CreateSavedQuery(ctx context.Context, q types.SavedQuery) (types.SavedQuery, error) {
	if err := q.CheckAndSetDefaults(); err != nil {
		return types.SavedQuery{}, trace.Wrap(err)
	}
	if q.UserID == "" {
		return types.SavedQuery{}, trace.BadParameter("missing parameter UserID")
	}
	if q.ID == "" {
		q.ID = s.newID()
	}
	q.CreatedAt = s.now()
	q.UpdatedAt = q.CreatedAt

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO saved_queries (`+savedQueryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.UserID, q.Name, q.Code, string(q.QueryType), q.CreatedAt, q.UpdatedAt)
	if err != nil {
		return types.SavedQuery{}, convertError(err)
	}
	return q, nil
}

// GetSavedQuery fetches one of the user's saved queries by id.
func (s *Storage) GetSavedQuery(ctx context.Context, userID, id string) (types.SavedQuery, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+savedQueryColumns+` FROM saved_queries WHERE id = ? AND user_id = ?`, id, userID)
	q, err := scanSavedQuery(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return types.SavedQuery{}, trace.NotFound("query %q not found", id)
		}
		return types.SavedQuery{}, trace.Wrap(err)
	}
	return q, nil
}

// ListSavedQueries returns the user's saved queries ordered by name,
// optionally restricted to one type.
func (s *Storage) ListSavedQueries(ctx context.Context, userID string, typ types.QueryType) ([]types.SavedQuery, error) {
	query := `SELECT ` + savedQueryColumns + ` FROM saved_queries WHERE user_id = ?`
	args := []any{userID}
	if typ != "" {
		query += ` AND query_type = ?`
		args = append(args, string(typ))
	}
	query += ` ORDER BY name`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var queries []types.SavedQuery
	for rows.Next() {
		q, err := scanSavedQuery(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		queries = append(queries, q)
	}
	return queries, trace.Wrap(rows.Err())
}

// UpdateSavedQuery overwrites the saved query's mutable fields.
func (s *Storage) UpdateSavedQuery(ctx context.Context, q types.SavedQuery) (types.SavedQuery, error) {
	if err := q.CheckAndSetDefaults(); err != nil {
		return types.SavedQuery{}, trace.Wrap(err)
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE saved_queries SET name = ?, code = ?, query_type = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		q.Name, q.Code, string(q.QueryType), s.now(), q.ID, q.UserID)
	if err != nil {
		return types.SavedQuery{}, convertError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.SavedQuery{}, trace.NotFound("query %q not found", q.ID)
	}
	return s.GetSavedQuery(ctx, q.UserID, q.ID)
}

// DeleteSavedQuery removes one of the user's saved queries.
func (s *Storage) DeleteSavedQuery(ctx context.Context, userID, id string) error {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM saved_queries WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return convertError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return trace.NotFound("query %q not found", id)
	}
	return nil
}

func scanSavedQuery(row scanner) (types.SavedQuery, error) {
	var q types.SavedQuery
	var typ string
	err := row.Scan(&q.ID, &q.UserID, &q.Name, &q.Code, &typ, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return types.SavedQuery{}, convertError(err)
	}
	q.QueryType = types.QueryType(typ)
	return q, nil
}
