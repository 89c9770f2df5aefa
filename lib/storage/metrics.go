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

// UpsertMetricValue writes one observation, replacing any previous value
// for the same (user, date, metric). Values are stored JSON-encoded so the
// scalar type survives the round trip.
func (s *Storage) UpsertMetricValue(ctx context.Context, v types.DailyMetricValue) (types.DailyMetricValue, error) {
	if err := v.CheckAndSetDefaults(); err != nil {
		return types.DailyMetricValue{}, trace.Wrap(err)
	}
	if v.UserID == "" {
		return types.DailyMetricValue{}, trace.BadParameter("missing parameter UserID")
	}
	v.UpdatedAt = s.now()

	encoded, err := json.Marshal(v.Value)
	if err != nil {
		return types.DailyMetricValue{}, trace.Wrap(err)
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO daily_metric_values (user_id, date, metric_name, value, source, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, date, metric_name) DO UPDATE SET
		   value = excluded.value, source = excluded.source, updated_at = excluded.updated_at`,
		v.UserID, v.Date, v.MetricName, string(encoded), v.Source, v.UpdatedAt)
	if err != nil {
		return types.DailyMetricValue{}, convertError(err)
	}
	return v, nil
}

// GetMetricValues returns every stored observation for one day.
func (s *Storage) GetMetricValues(ctx context.Context, userID, date string) ([]types.DailyMetricValue, error) {
	return s.listMetricValues(ctx, userID, date, date)
}

// ListMetricValuesRange returns observations with start <= date <= end,
// ordered by date then metric name.
func (s *Storage) ListMetricValuesRange(ctx context.Context, userID, start, end string) ([]types.DailyMetricValue, error) {
	if _, err := types.ParseDate(start); err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := types.ParseDate(end); err != nil {
		return nil, trace.Wrap(err)
	}
	return s.listMetricValues(ctx, userID, start, end)
}

// ListMetricValues returns every stored observation for the user, ordered
// by date then metric name.
func (s *Storage) ListMetricValues(ctx context.Context, userID string) ([]types.DailyMetricValue, error) {
	return s.listMetricValues(ctx, userID, "", "")
}

// listMetricValues lists observations; empty bounds do not filter.
func (s *Storage) listMetricValues(ctx context.Context, userID, start, end string) ([]types.DailyMetricValue, error) {
	query := `SELECT user_id, date, metric_name, value, source, updated_at FROM daily_metric_values
		 WHERE user_id = ?`
	args := []any{userID}
	if start != "" {
		query += ` AND date >= ?`
		args = append(args, start)
	}
	if end != "" {
		query += ` AND date <= ?`
		args = append(args, end)
	}
	query += ` ORDER BY date, metric_name`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var values []types.DailyMetricValue
	for rows.Next() {
		var v types.DailyMetricValue
		var encoded string
		if err := rows.Scan(&v.UserID, &v.Date, &v.MetricName, &encoded, &v.Source, &v.UpdatedAt); err != nil {
			return nil, convertError(err)
		}
		if err := json.Unmarshal([]byte(encoded), &v.Value); err != nil {
			return nil, trace.Wrap(err, "decoding metric %q on %v", v.MetricName, v.Date)
		}
		values = append(values, v)
	}
	return values, trace.Wrap(rows.Err())
}

// DeleteMetricValue removes a single observation.
func (s *Storage) DeleteMetricValue(ctx context.Context, userID, date, metricName string) error {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM daily_metric_values WHERE user_id = ? AND date = ? AND metric_name = ?`,
		userID, date, metricName)
	if err != nil {
		return convertError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return trace.NotFound("metric %q on %v not found", metricName, date)
	}
	return nil
}
