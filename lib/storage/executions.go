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
	"time"

	"github.com/gravitational/trace"

	"github.com/goalpost-dev/goalpost/lib/defaults"
	"github.com/goalpost-dev/goalpost/lib/types"
	"github.com/goalpost-dev/goalpost/lib/utils"
)

// ExecutionFilter narrows ListExecutions. Zero fields do not filter.
type ExecutionFilter struct {
	// UserID restricts to one user's runs.
	UserID string
	// Before returns only runs created strictly before this time.
	Before time.Time
	// Limit caps the page size.
	Limit int
}

// RecordExecution appends one sandbox run to the audit log, truncating the
// snippet and error message to their storage budgets.
func (s *Storage) RecordExecution(ctx context.Context, entry types.ExecutionLog) (types.ExecutionLog, error) {
	if entry.UserID == "" {
		return types.ExecutionLog{}, trace.BadParameter("missing parameter UserID")
	}
	if entry.ID == "" {
		entry.ID = s.newID()
	}
	if entry.Context == "" {
		entry.Context = types.QueryGeneral
	}
	if err := entry.Context.Parse(string(entry.Context)); err != nil {
		return types.ExecutionLog{}, trace.Wrap(err)
	}
	entry.CreatedAt = s.now()
	entry.CodeSnippet = utils.TruncateString(entry.CodeSnippet, defaults.ExecutionLogSnippetLen)
	entry.ErrorMessage = utils.TruncateString(entry.ErrorMessage, defaults.ExecutionLogErrorLen)

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO query_execution_logs (id, user_id, code_snippet, context, success, error_message, execution_time_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.CodeSnippet, string(entry.Context), entry.Success,
		entry.ErrorMessage, entry.ExecutionTimeMs, entry.CreatedAt)
	if err != nil {
		return types.ExecutionLog{}, convertError(err)
	}
	return entry, nil
}

// ListExecutions pages through the audit log most recent first.
func (s *Storage) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]types.ExecutionLog, error) {
	query := `SELECT id, user_id, code_snippet, context, success, error_message, execution_time_ms, created_at
		 FROM query_execution_logs WHERE 1 = 1`
	var args []any
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if !filter.Before.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, filter.Before.UTC())
	}
	query += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 || limit > defaults.ExecutionLogPageSize {
		limit = defaults.ExecutionLogPageSize
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var entries []types.ExecutionLog
	for rows.Next() {
		var e types.ExecutionLog
		var context string
		if err := rows.Scan(&e.ID, &e.UserID, &e.CodeSnippet, &context, &e.Success,
			&e.ErrorMessage, &e.ExecutionTimeMs, &e.CreatedAt); err != nil {
			return nil, convertError(err)
		}
		e.Context = types.QueryType(context)
		entries = append(entries, e)
	}
	return entries, trace.Wrap(rows.Err())
}

// CountExecutionsSince reports how many runs a user logged at or after the
// given instant. Rate limiting itself is in-memory; this feeds admin stats.
func (s *Storage) CountExecutionsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM query_execution_logs WHERE user_id = ? AND created_at >= ?`,
		userID, since.UTC()).Scan(&count)
	if err != nil {
		return 0, convertError(err)
	}
	return count, nil
}
