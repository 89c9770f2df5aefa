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

const taskColumns = "t.id, t.period_id, t.title, t.completed, t.completed_at, t.sort_order, t.time_spent_ms, t.timer_started_at, t.created_at, t.updated_at"

// TaskFilter narrows ListTasks. Zero fields do not filter.
type TaskFilter struct {
	PeriodID   string
	PeriodType types.PeriodType
	Year       int
	Month      int
	Week       int
	Day        int
	Completed  *bool
	TagID      string
}

// CreateTask inserts a task into one of the user's periods along with its
// attributes and tag links.
func (s *Storage) CreateTask(ctx context.Context, userID string, task types.Task) (types.Task, error) {
	if err := task.CheckAndSetDefaults(); err != nil {
		return types.Task{}, trace.Wrap(err)
	}
	if _, err := s.GetPeriod(ctx, userID, task.PeriodID); err != nil {
		return types.Task{}, trace.Wrap(err)
	}
	if task.ID == "" {
		task.ID = s.newID()
	}
	task.CreatedAt = s.now()
	task.UpdatedAt = task.CreatedAt

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (id, period_id, title, completed, completed_at, sort_order, time_spent_ms, timer_started_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.ID, task.PeriodID, task.Title, task.Completed, task.CompletedAt,
			task.SortOrder, task.TimeSpentMs, task.TimerStartedAt, task.CreatedAt, task.UpdatedAt)
		if err != nil {
			return convertError(err)
		}
		return trace.Wrap(s.writeTaskExtras(ctx, tx, userID, task))
	})
	if err != nil {
		return types.Task{}, trace.Wrap(err)
	}
	return task, nil
}

// GetTask fetches one of the user's tasks by id.
func (s *Storage) GetTask(ctx context.Context, userID, id string) (types.Task, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks t
		 JOIN time_periods p ON p.id = t.period_id
		 WHERE t.id = ? AND p.user_id = ?`, id, userID)
	task, err := scanTask(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return types.Task{}, trace.NotFound("task %q not found", id)
		}
		return types.Task{}, trace.Wrap(err)
	}
	if err := s.loadTaskExtras(ctx, []*types.Task{&task}); err != nil {
		return types.Task{}, trace.Wrap(err)
	}
	return task, nil
}

// ListTasks returns the user's tasks matching the filter, ordered by sort
// order then creation time.
func (s *Storage) ListTasks(ctx context.Context, userID string, filter TaskFilter) ([]types.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks t
		 JOIN time_periods p ON p.id = t.period_id
		 WHERE p.user_id = ?`
	args := []any{userID}
	if filter.PeriodID != "" {
		query += ` AND t.period_id = ?`
		args = append(args, filter.PeriodID)
	}
	if filter.PeriodType != "" {
		query += ` AND p.type = ?`
		args = append(args, string(filter.PeriodType))
	}
	if filter.Year != 0 {
		query += ` AND p.year = ?`
		args = append(args, filter.Year)
	}
	if filter.Month != 0 {
		query += ` AND p.month = ?`
		args = append(args, filter.Month)
	}
	if filter.Week != 0 {
		query += ` AND p.week = ?`
		args = append(args, filter.Week)
	}
	if filter.Day != 0 {
		query += ` AND p.day = ?`
		args = append(args, filter.Day)
	}
	if filter.Completed != nil {
		query += ` AND t.completed = ?`
		args = append(args, *filter.Completed)
	}
	if filter.TagID != "" {
		query += ` AND t.id IN (SELECT task_id FROM task_tags WHERE tag_id = ?)`
		args = append(args, filter.TagID)
	}
	query += ` ORDER BY t.sort_order, t.created_at`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var tasks []types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, trace.Wrap(err)
	}

	refs := make([]*types.Task, len(tasks))
	for i := range tasks {
		refs[i] = &tasks[i]
	}
	if err := s.loadTaskExtras(ctx, refs); err != nil {
		return nil, trace.Wrap(err)
	}
	return tasks, nil
}

// UpdateTask overwrites the task's mutable fields, attributes and tags.
func (s *Storage) UpdateTask(ctx context.Context, userID string, task types.Task) (types.Task, error) {
	if err := task.CheckAndSetDefaults(); err != nil {
		return types.Task{}, trace.Wrap(err)
	}
	existing, err := s.GetTask(ctx, userID, task.ID)
	if err != nil {
		return types.Task{}, trace.Wrap(err)
	}
	if task.PeriodID == "" {
		task.PeriodID = existing.PeriodID
	} else if task.PeriodID != existing.PeriodID {
		if _, err := s.GetPeriod(ctx, userID, task.PeriodID); err != nil {
			return types.Task{}, trace.Wrap(err)
		}
	}
	now := s.now()

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE tasks SET period_id = ?, title = ?, completed = ?, completed_at = ?, sort_order = ?, updated_at = ?
			 WHERE id = ?`,
			task.PeriodID, task.Title, task.Completed, task.CompletedAt,
			task.SortOrder, now, task.ID)
		if err != nil {
			return convertError(err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_attributes WHERE task_id = ?`, task.ID); err != nil {
			return convertError(err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_tags WHERE task_id = ?`, task.ID); err != nil {
			return convertError(err)
		}
		return trace.Wrap(s.writeTaskExtras(ctx, tx, userID, task))
	})
	if err != nil {
		return types.Task{}, trace.Wrap(err)
	}
	return s.GetTask(ctx, userID, task.ID)
}

// DeleteTask removes one of the user's tasks.
func (s *Storage) DeleteTask(ctx context.Context, userID, id string) error {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM tasks WHERE id = ? AND period_id IN (SELECT id FROM time_periods WHERE user_id = ?)`,
		id, userID)
	if err != nil {
		return convertError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return trace.NotFound("task %q not found", id)
	}
	return nil
}

// StartTaskTimer begins tracking time on the task. Starting while the timer
// already runs yields CompareFailed.
func (s *Storage) StartTaskTimer(ctx context.Context, userID, id string) (types.Task, error) {
	now := s.now()
	res, err := s.q.ExecContext(ctx,
		`UPDATE tasks SET timer_started_at = ?, updated_at = ?
		 WHERE id = ? AND timer_started_at IS NULL
		   AND period_id IN (SELECT id FROM time_periods WHERE user_id = ?)`,
		now, now, id, userID)
	if err != nil {
		return types.Task{}, convertError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetTask(ctx, userID, id); err != nil {
			return types.Task{}, trace.Wrap(err)
		}
		return types.Task{}, trace.CompareFailed("task %q timer is already running", id)
	}
	return s.GetTask(ctx, userID, id)
}

// StopTaskTimer stops the running timer and folds the elapsed time into
// TimeSpentMs. Stopping a stopped timer yields CompareFailed.
func (s *Storage) StopTaskTimer(ctx context.Context, userID, id string) (types.Task, error) {
	now := s.now()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var started sql.NullTime
		err := tx.QueryRowContext(ctx,
			`SELECT t.timer_started_at FROM tasks t
			 JOIN time_periods p ON p.id = t.period_id
			 WHERE t.id = ? AND p.user_id = ?`, id, userID).Scan(&started)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return trace.NotFound("task %q not found", id)
			}
			return convertError(err)
		}
		if !started.Valid {
			return trace.CompareFailed("task %q timer is not running", id)
		}
		elapsed := now.Sub(started.Time).Milliseconds()
		if elapsed < 0 {
			elapsed = 0
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET time_spent_ms = time_spent_ms + ?, timer_started_at = NULL, updated_at = ? WHERE id = ?`,
			elapsed, now, id)
		return convertError(err)
	})
	if err != nil {
		return types.Task{}, trace.Wrap(err)
	}
	return s.GetTask(ctx, userID, id)
}

func (s *Storage) writeTaskExtras(ctx context.Context, tx *sql.Tx, userID string, task types.Task) error {
	for name, value := range task.Attributes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_attributes (task_id, name, value) VALUES (?, ?, ?)`,
			task.ID, name, value); err != nil {
			return convertError(err)
		}
	}
	for _, tagID := range task.TagIDs {
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT user_id FROM tags WHERE id = ?`, tagID).Scan(&owner)
		if err != nil || owner != userID {
			return trace.NotFound("tag %q not found", tagID)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_tags (task_id, tag_id) VALUES (?, ?)`,
			task.ID, tagID); err != nil {
			return convertError(err)
		}
	}
	return nil
}

func (s *Storage) loadTaskExtras(ctx context.Context, tasks []*types.Task) error {
	for _, task := range tasks {
		rows, err := s.q.QueryContext(ctx,
			`SELECT name, value FROM task_attributes WHERE task_id = ?`, task.ID)
		if err != nil {
			return convertError(err)
		}
		attrs := make(map[string]string)
		for rows.Next() {
			var name, value string
			if err := rows.Scan(&name, &value); err != nil {
				rows.Close()
				return convertError(err)
			}
			attrs[name] = value
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return trace.Wrap(err)
		}
		rows.Close()
		if len(attrs) > 0 {
			task.Attributes = attrs
		}

		rows, err = s.q.QueryContext(ctx,
			`SELECT tag_id FROM task_tags WHERE task_id = ? ORDER BY tag_id`, task.ID)
		if err != nil {
			return convertError(err)
		}
		var tagIDs []string
		for rows.Next() {
			var tagID string
			if err := rows.Scan(&tagID); err != nil {
				rows.Close()
				return convertError(err)
			}
			tagIDs = append(tagIDs, tagID)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return trace.Wrap(err)
		}
		rows.Close()
		task.TagIDs = tagIDs
	}
	return nil
}

func scanTask(row scanner) (types.Task, error) {
	var t types.Task
	var completedAt, timerStartedAt sql.NullTime
	err := row.Scan(&t.ID, &t.PeriodID, &t.Title, &t.Completed, &completedAt,
		&t.SortOrder, &t.TimeSpentMs, &timerStartedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return types.Task{}, convertError(err)
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if timerStartedAt.Valid {
		t.TimerStartedAt = &timerStartedAt.Time
	}
	return t, nil
}
