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
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/goalpost-dev/goalpost/lib/types"
)

const templateColumns = "id, user_id, name, effective_from, metrics, created_at, updated_at"

// CreateTemplate inserts a metrics template for the user. Expression
// validation happens in the template engine before this is called.
func (s *Storage) CreateTemplate(ctx context.Context, tpl types.MetricsTemplate) (types.MetricsTemplate, error) {
	if err := tpl.CheckAndSetDefaults(); err != nil {
		return types.MetricsTemplate{}, trace.Wrap(err)
	}
	if tpl.UserID == "" {
		return types.MetricsTemplate{}, trace.BadParameter("missing parameter UserID")
	}
	if tpl.ID == "" {
		tpl.ID = s.newID()
	}
	tpl.CreatedAt = s.now()
	tpl.UpdatedAt = tpl.CreatedAt

	metrics, err := json.Marshal(tpl.Metrics)
	if err != nil {
		return types.MetricsTemplate{}, trace.Wrap(err)
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO metrics_templates (`+templateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tpl.ID, tpl.UserID, tpl.Name, tpl.EffectiveFrom, string(metrics), tpl.CreatedAt, tpl.UpdatedAt)
	if err != nil {
		return types.MetricsTemplate{}, convertError(err)
	}
	return tpl, nil
}

// GetTemplate fetches one of the user's templates by id.
func (s *Storage) GetTemplate(ctx context.Context, userID, id string) (types.MetricsTemplate, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM metrics_templates WHERE id = ? AND user_id = ?`, id, userID)
	tpl, err := scanTemplate(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return types.MetricsTemplate{}, trace.NotFound("template %q not found", id)
		}
		return types.MetricsTemplate{}, trace.Wrap(err)
	}
	return tpl, nil
}

// ListTemplates returns the user's templates newest effective date first.
func (s *Storage) ListTemplates(ctx context.Context, userID string) ([]types.MetricsTemplate, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+templateColumns+` FROM metrics_templates WHERE user_id = ?
		 ORDER BY effective_from DESC, created_at DESC`, userID)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var templates []types.MetricsTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		templates = append(templates, tpl)
	}
	return templates, trace.Wrap(rows.Err())
}

// ActiveTemplate returns the template effective on the given date: the one
// with the greatest effective_from not after it.
func (s *Storage) ActiveTemplate(ctx context.Context, userID, date string) (types.MetricsTemplate, error) {
	if _, err := types.ParseDate(date); err != nil {
		return types.MetricsTemplate{}, trace.Wrap(err)
	}
	row := s.q.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM metrics_templates
		 WHERE user_id = ? AND effective_from <= ?
		 ORDER BY effective_from DESC, created_at DESC LIMIT 1`, userID, date)
	tpl, err := scanTemplate(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return types.MetricsTemplate{}, trace.NotFound("no template effective on %v", date)
		}
		return types.MetricsTemplate{}, trace.Wrap(err)
	}
	return tpl, nil
}

// UpdateTemplate overwrites the template's mutable fields.
func (s *Storage) UpdateTemplate(ctx context.Context, tpl types.MetricsTemplate) (types.MetricsTemplate, error) {
	if err := tpl.CheckAndSetDefaults(); err != nil {
		return types.MetricsTemplate{}, trace.Wrap(err)
	}
	metrics, err := json.Marshal(tpl.Metrics)
	if err != nil {
		return types.MetricsTemplate{}, trace.Wrap(err)
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE metrics_templates SET name = ?, effective_from = ?, metrics = ?, updated_at = ?
		 WHERE id = ? AND user_id = ?`,
		tpl.Name, tpl.EffectiveFrom, string(metrics), s.now(), tpl.ID, tpl.UserID)
	if err != nil {
		return types.MetricsTemplate{}, convertError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.MetricsTemplate{}, trace.NotFound("template %q not found", tpl.ID)
	}
	return s.GetTemplate(ctx, tpl.UserID, tpl.ID)
}

// DeleteTemplate removes one of the user's templates.
func (s *Storage) DeleteTemplate(ctx context.Context, userID, id string) error {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM metrics_templates WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return convertError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return trace.NotFound("template %q not found", id)
	}
	return nil
}

func scanTemplate(row scanner) (types.MetricsTemplate, error) {
	var t types.MetricsTemplate
	var metrics string
	err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.EffectiveFrom, &metrics, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return types.MetricsTemplate{}, convertError(err)
	}
	if err := json.Unmarshal([]byte(metrics), &t.Metrics); err != nil {
		return types.MetricsTemplate{}, trace.Wrap(err, "decoding metrics of template %q", t.ID)
	}
	return t, nil
}
