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

const widgetColumns = "id, user_id, title, widget_type, config, sort_order, page, created_at, updated_at"

// CreateWidget inserts a dashboard widget for the user.
func (s *Storage) CreateWidget(ctx context.Context, w types.DashboardWidget) (types.DashboardWidget, error) {
	if err := w.CheckAndSetDefaults(); err != nil {
		return types.DashboardWidget{}, trace.Wrap(err)
	}
	if w.UserID == "" {
		return types.DashboardWidget{}, trace.BadParameter("missing parameter UserID")
	}
	if w.ID == "" {
		w.ID = s.newID()
	}
	w.CreatedAt = s.now()
	w.UpdatedAt = w.CreatedAt

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO dashboard_widgets (`+widgetColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.UserID, w.Title, w.WidgetType, widgetConfig(w.Config), w.SortOrder,
		w.Page, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return types.DashboardWidget{}, convertError(err)
	}
	return w, nil
}

// GetWidget fetches one of the user's widgets by id.
func (s *Storage) GetWidget(ctx context.Context, userID, id string) (types.DashboardWidget, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+widgetColumns+` FROM dashboard_widgets WHERE id = ? AND user_id = ?`, id, userID)
	w, err := scanWidget(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return types.DashboardWidget{}, trace.NotFound("widget %q not found", id)
		}
		return types.DashboardWidget{}, trace.Wrap(err)
	}
	return w, nil
}

// ListWidgets returns the user's widgets ordered by page then sort order.
func (s *Storage) ListWidgets(ctx context.Context, userID string) ([]types.DashboardWidget, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+widgetColumns+` FROM dashboard_widgets WHERE user_id = ? ORDER BY page, sort_order, created_at`,
		userID)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var widgets []types.DashboardWidget
	for rows.Next() {
		w, err := scanWidget(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		widgets = append(widgets, w)
	}
	return widgets, trace.Wrap(rows.Err())
}

// UpdateWidget overwrites the widget's mutable fields.
func (s *Storage) UpdateWidget(ctx context.Context, w types.DashboardWidget) (types.DashboardWidget, error) {
	if err := w.CheckAndSetDefaults(); err != nil {
		return types.DashboardWidget{}, trace.Wrap(err)
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE dashboard_widgets SET title = ?, widget_type = ?, config = ?, sort_order = ?, page = ?, updated_at = ?
		 WHERE id = ? AND user_id = ?`,
		w.Title, w.WidgetType, widgetConfig(w.Config), w.SortOrder, w.Page, s.now(), w.ID, w.UserID)
	if err != nil {
		return types.DashboardWidget{}, convertError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.DashboardWidget{}, trace.NotFound("widget %q not found", w.ID)
	}
	return s.GetWidget(ctx, w.UserID, w.ID)
}

// DeleteWidget removes one of the user's widgets.
func (s *Storage) DeleteWidget(ctx context.Context, userID, id string) error {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM dashboard_widgets WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return convertError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return trace.NotFound("widget %q not found", id)
	}
	return nil
}

func widgetConfig(config json.RawMessage) string {
	if len(config) == 0 {
		return "{}"
	}
	return string(config)
}

func scanWidget(row scanner) (types.DashboardWidget, error) {
	var w types.DashboardWidget
	var config string
	err := row.Scan(&w.ID, &w.UserID, &w.Title, &w.WidgetType, &config,
		&w.SortOrder, &w.Page, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return types.DashboardWidget{}, convertError(err)
	}
	w.Config = json.RawMessage(config)
	return w, nil
}
