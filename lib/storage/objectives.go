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
	"encoding/json"
	"errors"
	"strings"

	"github.com/gravitational/trace"

	"github.com/goalpost-dev/goalpost/lib/types"
)

const objectiveColumns = "id, user_id, level, year, month, title, weight, parent_id, created_at, updated_at"
const keyResultColumns = "id, objective_id, title, weight, score, measurement_type, checkbox_items, progress_query_id, progress_query_code, created_at, updated_at"

// ObjectiveFilter narrows ListObjectives. Zero fields do not filter.
type ObjectiveFilter struct {
	Level types.ObjectiveLevel
	Year  int
	Month int
}

// CreateObjective inserts an objective for the user.
func (s *Storage) CreateObjective(ctx context.Context, obj types.Objective) (types.Objective, error) {
	if err := obj.CheckAndSetDefaults(); err != nil {
		return types.Objective{}, trace.Wrap(err)
	}
	if obj.UserID == "" {
		return types.Objective{}, trace.BadParameter("missing parameter UserID")
	}
	if obj.ParentID != "" {
		if _, err := s.GetObjective(ctx, obj.UserID, obj.ParentID); err != nil {
			return types.Objective{}, trace.Wrap(err)
		}
	}
	if obj.ID == "" {
		obj.ID = s.newID()
	}
	obj.CreatedAt = s.now()
	obj.UpdatedAt = obj.CreatedAt

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO objectives (`+objectiveColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		obj.ID, obj.UserID, string(obj.Level), obj.Year, obj.Month, obj.Title,
		obj.Weight, nullableString(obj.ParentID), obj.CreatedAt, obj.UpdatedAt)
	if err != nil {
		return types.Objective{}, convertError(err)
	}
	obj.KeyResults = nil
	return obj, nil
}

// GetObjective fetches one of the user's objectives with its key results.
func (s *Storage) GetObjective(ctx context.Context, userID, id string) (types.Objective, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+objectiveColumns+` FROM objectives WHERE id = ? AND user_id = ?`, id, userID)
	obj, err := scanObjective(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return types.Objective{}, trace.NotFound("objective %q not found", id)
		}
		return types.Objective{}, trace.Wrap(err)
	}
	krs, err := s.listKeyResults(ctx, []string{obj.ID})
	if err != nil {
		return types.Objective{}, trace.Wrap(err)
	}
	obj.KeyResults = krs[obj.ID]
	return obj, nil
}

// ListObjectives returns the user's objectives matching the filter, each
// with its key results loaded.
func (s *Storage) ListObjectives(ctx context.Context, userID string, filter ObjectiveFilter) ([]types.Objective, error) {
	query := `SELECT ` + objectiveColumns + ` FROM objectives WHERE user_id = ?`
	args := []any{userID}
	if filter.Level != "" {
		query += ` AND level = ?`
		args = append(args, string(filter.Level))
	}
	if filter.Year != 0 {
		query += ` AND year = ?`
		args = append(args, filter.Year)
	}
	if filter.Month != 0 {
		query += ` AND month = ?`
		args = append(args, filter.Month)
	}
	query += ` ORDER BY created_at`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var objectives []types.Objective
	var ids []string
	for rows.Next() {
		obj, err := scanObjective(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		objectives = append(objectives, obj)
		ids = append(ids, obj.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, trace.Wrap(err)
	}

	krs, err := s.listKeyResults(ctx, ids)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for i := range objectives {
		objectives[i].KeyResults = krs[objectives[i].ID]
	}
	return objectives, nil
}

// UpdateObjective overwrites the objective's mutable fields.
func (s *Storage) UpdateObjective(ctx context.Context, obj types.Objective) (types.Objective, error) {
	if err := obj.CheckAndSetDefaults(); err != nil {
		return types.Objective{}, trace.Wrap(err)
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE objectives SET title = ?, weight = ?, parent_id = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		obj.Title, obj.Weight, nullableString(obj.ParentID), s.now(), obj.ID, obj.UserID)
	if err != nil {
		return types.Objective{}, convertError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.Objective{}, trace.NotFound("objective %q not found", obj.ID)
	}
	return s.GetObjective(ctx, obj.UserID, obj.ID)
}

// DeleteObjective removes an objective and, via cascade, its key results.
func (s *Storage) DeleteObjective(ctx context.Context, userID, id string) error {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM objectives WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return convertError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return trace.NotFound("objective %q not found", id)
	}
	return nil
}

// CreateKeyResult inserts a key result under one of the user's objectives.
func (s *Storage) CreateKeyResult(ctx context.Context, userID string, kr types.KeyResult) (types.KeyResult, error) {
	if err := kr.CheckAndSetDefaults(); err != nil {
		return types.KeyResult{}, trace.Wrap(err)
	}
	if _, err := s.GetObjective(ctx, userID, kr.ObjectiveID); err != nil {
		return types.KeyResult{}, trace.Wrap(err)
	}
	if kr.ID == "" {
		kr.ID = s.newID()
	}
	kr.CreatedAt = s.now()
	kr.UpdatedAt = kr.CreatedAt

	items, err := json.Marshal(kr.CheckboxItems)
	if err != nil {
		return types.KeyResult{}, trace.Wrap(err)
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO key_results (`+keyResultColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		kr.ID, kr.ObjectiveID, kr.Title, kr.Weight, kr.Score, string(kr.MeasurementType),
		string(items), kr.ProgressQueryID, kr.ProgressQueryCode, kr.CreatedAt, kr.UpdatedAt)
	if err != nil {
		return types.KeyResult{}, convertError(err)
	}
	return kr, nil
}

// GetKeyResult fetches one of the user's key results by id.
func (s *Storage) GetKeyResult(ctx context.Context, userID, id string) (types.KeyResult, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+prefixColumns(keyResultColumns, "k.")+` FROM key_results k
		 JOIN objectives o ON o.id = k.objective_id
		 WHERE k.id = ? AND o.user_id = ?`, id, userID)
	kr, err := scanKeyResult(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return types.KeyResult{}, trace.NotFound("key result %q not found", id)
		}
		return types.KeyResult{}, trace.Wrap(err)
	}
	return kr, nil
}

// UpdateKeyResult overwrites the key result's mutable fields.
func (s *Storage) UpdateKeyResult(ctx context.Context, userID string, kr types.KeyResult) (types.KeyResult, error) {
	if err := kr.CheckAndSetDefaults(); err != nil {
		return types.KeyResult{}, trace.Wrap(err)
	}
	if _, err := s.GetKeyResult(ctx, userID, kr.ID); err != nil {
		return types.KeyResult{}, trace.Wrap(err)
	}
	items, err := json.Marshal(kr.CheckboxItems)
	if err != nil {
		return types.KeyResult{}, trace.Wrap(err)
	}
	_, err = s.q.ExecContext(ctx,
		`UPDATE key_results SET title = ?, weight = ?, score = ?, measurement_type = ?,
		 checkbox_items = ?, progress_query_id = ?, progress_query_code = ?, updated_at = ?
		 WHERE id = ?`,
		kr.Title, kr.Weight, kr.Score, string(kr.MeasurementType), string(items),
		kr.ProgressQueryID, kr.ProgressQueryCode, s.now(), kr.ID)
	if err != nil {
		return types.KeyResult{}, convertError(err)
	}
	return s.GetKeyResult(ctx, userID, kr.ID)
}

// UpdateKeyResultScore persists a newly observed score without touching the
// rest of the row.
func (s *Storage) UpdateKeyResultScore(ctx context.Context, userID, id string, score float64) error {
	if score < 0 || score > 1 {
		return trace.BadParameter("score must be within [0,1]")
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE key_results SET score = ?, updated_at = ?
		 WHERE id = ? AND objective_id IN (SELECT id FROM objectives WHERE user_id = ?)`,
		score, s.now(), id, userID)
	if err != nil {
		return convertError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return trace.NotFound("key result %q not found", id)
	}
	return nil
}

// DeleteKeyResult removes one of the user's key results.
func (s *Storage) DeleteKeyResult(ctx context.Context, userID, id string) error {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM key_results WHERE id = ? AND objective_id IN (SELECT id FROM objectives WHERE user_id = ?)`,
		id, userID)
	if err != nil {
		return convertError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return trace.NotFound("key result %q not found", id)
	}
	return nil
}

func (s *Storage) listKeyResults(ctx context.Context, objectiveIDs []string) (map[string][]types.KeyResult, error) {
	out := make(map[string][]types.KeyResult, len(objectiveIDs))
	if len(objectiveIDs) == 0 {
		return out, nil
	}
	query := `SELECT ` + keyResultColumns + ` FROM key_results WHERE objective_id IN (?` +
		repeatPlaceholder(len(objectiveIDs)-1) + `) ORDER BY created_at`
	args := make([]any, len(objectiveIDs))
	for i, id := range objectiveIDs {
		args[i] = id
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	for rows.Next() {
		kr, err := scanKeyResult(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out[kr.ObjectiveID] = append(out[kr.ObjectiveID], kr)
	}
	return out, trace.Wrap(rows.Err())
}

func scanObjective(row scanner) (types.Objective, error) {
	var o types.Objective
	var level string
	var parent sql.NullString
	err := row.Scan(&o.ID, &o.UserID, &level, &o.Year, &o.Month, &o.Title,
		&o.Weight, &parent, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return types.Objective{}, convertError(err)
	}
	o.Level = types.ObjectiveLevel(level)
	if parent.Valid {
		o.ParentID = parent.String
	}
	return o, nil
}

func scanKeyResult(row scanner) (types.KeyResult, error) {
	var k types.KeyResult
	var measurement, items string
	err := row.Scan(&k.ID, &k.ObjectiveID, &k.Title, &k.Weight, &k.Score, &measurement,
		&items, &k.ProgressQueryID, &k.ProgressQueryCode, &k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.KeyResult{}, trace.NotFound("not found")
		}
		return types.KeyResult{}, convertError(err)
	}
	k.MeasurementType = types.MeasurementType(measurement)
	if err := json.Unmarshal([]byte(items), &k.CheckboxItems); err != nil {
		return types.KeyResult{}, trace.Wrap(err, "decoding checkbox items of %q", k.ID)
	}
	return k, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// repeatPlaceholder returns n copies of ", ?".
func repeatPlaceholder(n int) string {
	out := ""
	for range n {
		out += ", ?"
	}
	return out
}

// prefixColumns qualifies each column in list with prefix for joins.
func prefixColumns(list, prefix string) string {
	out := ""
	for i, col := range strings.Split(list, ", ") {
		if i > 0 {
			out += ", "
		}
		out += prefix + col
	}
	return out
}
