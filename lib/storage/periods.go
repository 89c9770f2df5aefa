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

const periodColumns = "id, user_id, type, year, month, week, day, created_at"

// GetOrCreatePeriod returns the user's period for the given scope, creating
// it on first use.
func (s *Storage) GetOrCreatePeriod(ctx context.Context, userID string, scope types.PeriodScope) (types.TimePeriod, error) {
	if err := scope.Check(); err != nil {
		return types.TimePeriod{}, trace.Wrap(err)
	}

	period, err := s.getPeriodByScope(ctx, userID, scope)
	if err == nil {
		return period, nil
	}
	if !trace.IsNotFound(err) {
		return types.TimePeriod{}, trace.Wrap(err)
	}

	period = types.TimePeriod{
		ID:        s.newID(),
		UserID:    userID,
		Type:      scope.Type,
		Year:      scope.Year,
		Month:     scope.Month,
		Week:      scope.Week,
		Day:       scope.Day,
		CreatedAt: s.now(),
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO time_periods (`+periodColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		period.ID, period.UserID, string(period.Type), period.Year,
		period.Month, period.Week, period.Day, period.CreatedAt)
	if err == nil {
		return period, nil
	}
	// A concurrent writer may have created the same scope; re-read.
	if trace.IsAlreadyExists(convertError(err)) {
		return s.getPeriodByScope(ctx, userID, scope)
	}
	return types.TimePeriod{}, convertError(err)
}

func (s *Storage) getPeriodByScope(ctx context.Context, userID string, scope types.PeriodScope) (types.TimePeriod, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+periodColumns+` FROM time_periods
		 WHERE user_id = ? AND type = ? AND year = ? AND month = ? AND week = ? AND day = ?`,
		userID, string(scope.Type), scope.Year, scope.Month, scope.Week, scope.Day)
	period, err := scanPeriod(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return types.TimePeriod{}, trace.NotFound("period not found")
		}
		return types.TimePeriod{}, trace.Wrap(err)
	}
	return period, nil
}

// GetPeriod fetches one of the user's periods by id.
func (s *Storage) GetPeriod(ctx context.Context, userID, id string) (types.TimePeriod, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+periodColumns+` FROM time_periods WHERE id = ? AND user_id = ?`, id, userID)
	period, err := scanPeriod(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return types.TimePeriod{}, trace.NotFound("period %q not found", id)
		}
		return types.TimePeriod{}, trace.Wrap(err)
	}
	return period, nil
}

// ListPeriods returns the user's periods, optionally restricted to one type.
func (s *Storage) ListPeriods(ctx context.Context, userID string, typ types.PeriodType) ([]types.TimePeriod, error) {
	query := `SELECT ` + periodColumns + ` FROM time_periods WHERE user_id = ?`
	args := []any{userID}
	if typ != "" {
		query += ` AND type = ?`
		args = append(args, string(typ))
	}
	query += ` ORDER BY year, month, week, day`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var periods []types.TimePeriod
	for rows.Next() {
		period, err := scanPeriod(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		periods = append(periods, period)
	}
	return periods, trace.Wrap(rows.Err())
}

func scanPeriod(row scanner) (types.TimePeriod, error) {
	var p types.TimePeriod
	var typ string
	err := row.Scan(&p.ID, &p.UserID, &typ, &p.Year, &p.Month, &p.Week, &p.Day, &p.CreatedAt)
	if err != nil {
		return types.TimePeriod{}, convertError(err)
	}
	p.Type = types.PeriodType(typ)
	return p, nil
}
