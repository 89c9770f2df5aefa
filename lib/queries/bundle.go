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

package queries

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/goalpost-dev/goalpost/lib/sandbox"
	"github.com/goalpost-dev/goalpost/lib/scoring"
	"github.com/goalpost-dev/goalpost/lib/storage"
	"github.com/goalpost-dev/goalpost/lib/types"
)

// bundle is the per-run data view behind the q capability, bound to one
// user. All reads go through the store; nothing is cached across calls.
type bundle struct {
	store   Store
	clock   clockwork.Clock
	user    types.User
	maxRows int
}

// Daily returns one record per calendar day carrying all metric values
// stored for that day, ascending by date.
func (b *bundle) Daily(ctx context.Context, filter sandbox.DailyFilter) ([]map[string]any, error) {
	start, end, err := b.dateRange(filter)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	values, err := b.store.ListMetricValuesRange(ctx, b.user.ID, start, end)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	byDate := make(map[string]map[string]any)
	var dates []string
	for _, v := range values {
		metrics, ok := byDate[v.Date]
		if !ok {
			metrics = make(map[string]any)
			byDate[v.Date] = metrics
			dates = append(dates, v.Date)
		}
		metrics[v.MetricName] = v.Value
	}
	sort.Strings(dates)

	records := make([]map[string]any, 0, len(dates))
	for _, date := range dates {
		records = append(records, map[string]any{
			"date":    date,
			"metrics": byDate[date],
		})
	}
	return records, b.checkRows(len(records))
}

// Tasks returns the user's tasks with their period scope and tag names.
// An unknown tag name matches nothing.
func (b *bundle) Tasks(ctx context.Context, filter sandbox.TaskQuery) ([]map[string]any, error) {
	tags, err := b.store.ListTags(ctx, b.user.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tagNames := make(map[string]string, len(tags))
	for _, tag := range tags {
		tagNames[tag.ID] = tag.Name
	}

	stored := storage.TaskFilter{
		PeriodID:  filter.PeriodID,
		Year:      filter.Year,
		Month:     filter.Month,
		Week:      filter.Week,
		Completed: filter.Completed,
	}
	if filter.PeriodType != "" {
		if err := stored.PeriodType.Parse(filter.PeriodType); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if filter.Tag != "" {
		for _, tag := range tags {
			if tag.Name == filter.Tag {
				stored.TagID = tag.ID
				break
			}
		}
		if stored.TagID == "" {
			return []map[string]any{}, nil
		}
	}

	tasks, err := b.store.ListTasks(ctx, b.user.ID, stored)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	periods, err := b.store.ListPeriods(ctx, b.user.ID, "")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	periodByID := make(map[string]types.TimePeriod, len(periods))
	for _, p := range periods {
		periodByID[p.ID] = p
	}

	records := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		records = append(records, taskRecord(task, periodByID[task.PeriodID], tagNames))
	}
	return records, b.checkRows(len(records))
}

// Objectives returns the user's objectives with computed scores and their
// key results.
func (b *bundle) Objectives(ctx context.Context, filter sandbox.ObjectiveQuery) ([]map[string]any, error) {
	stored := storage.ObjectiveFilter{Year: filter.Year}
	if filter.Level != "" {
		if err := stored.Level.Parse(filter.Level); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	objectives, err := b.store.ListObjectives(ctx, b.user.ID, stored)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	records := make([]map[string]any, 0, len(objectives))
	for _, obj := range objectives {
		records = append(records, objectiveRecord(obj))
	}
	return records, b.checkRows(len(records))
}

// Today reports the current date in the user's timezone along with the week
// number under the user's week start day.
func (b *bundle) Today(ctx context.Context) (map[string]any, error) {
	now := b.clock.Now().In(b.user.Location())
	return map[string]any{
		"year":  now.Year(),
		"month": int(now.Month()),
		"day":   now.Day(),
		"date":  types.FormatDate(now),
		"week":  types.WeekNumber(now, b.user.WeekStartDay.Weekday()),
	}, nil
}

func (b *bundle) checkRows(n int) error {
	if n > b.maxRows {
		return trace.LimitExceeded("result exceeds the %d row limit", b.maxRows)
	}
	return nil
}

// dateRange intersects the year/month/week scope with explicit from/to
// bounds. Year defaults to the current year in the user's timezone when
// month or week is given without one.
func (b *bundle) dateRange(filter sandbox.DailyFilter) (string, string, error) {
	start, end := "0000-01-01", "9999-12-31"
	narrow := func(s, e time.Time) {
		if fs := types.FormatDate(s); fs > start {
			start = fs
		}
		if fe := types.FormatDate(e); fe < end {
			end = fe
		}
	}

	year := filter.Year
	if year == 0 && (filter.Month != 0 || filter.Week != 0) {
		year = b.clock.Now().In(b.user.Location()).Year()
	}
	if filter.Year != 0 {
		narrow(time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC),
			time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC))
	}
	if filter.Month != 0 {
		if filter.Month < 1 || filter.Month > 12 {
			return "", "", trace.BadParameter("month must be in [1,12]")
		}
		narrow(time.Date(year, time.Month(filter.Month), 1, 0, 0, 0, 0, time.UTC),
			time.Date(year, time.Month(filter.Month)+1, 0, 0, 0, 0, 0, time.UTC))
	}
	if filter.Week != 0 {
		if filter.Week < 1 || filter.Week > 54 {
			return "", "", trace.BadParameter("week must be in [1,54]")
		}
		ws, we := weekBounds(year, filter.Week, b.user.WeekStartDay.Weekday())
		narrow(ws, we)
	}
	if filter.From != "" {
		from, err := types.ParseDate(filter.From)
		if err != nil {
			return "", "", trace.Wrap(err)
		}
		if f := types.FormatDate(from); f > start {
			start = f
		}
	}
	if filter.To != "" {
		to, err := types.ParseDate(filter.To)
		if err != nil {
			return "", "", trace.Wrap(err)
		}
		if t := types.FormatDate(to); t < end {
			end = t
		}
	}
	return start, end, nil
}

// weekBounds returns the first and last day of the numbered week, clamped
// to its year. Week 1 is the partial week containing January 1.
func weekBounds(year, week int, weekStart time.Weekday) (time.Time, time.Time) {
	jan1 := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(jan1.Weekday()) - int(weekStart) + 7) % 7
	startDay := (week-1)*7 - offset + 1
	endDay := week*7 - offset
	if startDay < 1 {
		startDay = 1
	}
	start := jan1.AddDate(0, 0, startDay-1)
	end := jan1.AddDate(0, 0, endDay-1)
	if lastDay := time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC); end.After(lastDay) {
		end = lastDay
	}
	return start, end
}

func taskRecord(task types.Task, period types.TimePeriod, tagNames map[string]string) map[string]any {
	record := map[string]any{
		"id":           task.ID,
		"title":        task.Title,
		"completed":    task.Completed,
		"periodType":   string(period.Type),
		"year":         period.Year,
		"month":        period.Month,
		"week":         period.Week,
		"day":          period.Day,
		"sortOrder":    task.SortOrder,
		"timeSpentMs":  task.TimeSpentMs,
		"timerRunning": task.TimerRunning(),
	}
	if task.CompletedAt != nil {
		record["completedAt"] = task.CompletedAt.UTC().Format(time.RFC3339)
	}
	names := make([]any, 0, len(task.TagIDs))
	for _, id := range task.TagIDs {
		if name, ok := tagNames[id]; ok {
			names = append(names, name)
		}
	}
	record["tags"] = names

	// Numeric attributes come through as numbers so scripts can aggregate
	// them without parsing.
	attrs := make(map[string]any, len(task.Attributes))
	for key, raw := range task.Attributes {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			attrs[key] = f
			continue
		}
		attrs[key] = raw
	}
	record["attributes"] = attrs
	return record
}

func objectiveRecord(obj types.Objective) map[string]any {
	krs := make([]any, 0, len(obj.KeyResults))
	for _, kr := range obj.KeyResults {
		krs = append(krs, map[string]any{
			"id":              kr.ID,
			"title":           kr.Title,
			"weight":          kr.Weight,
			"measurementType": string(kr.MeasurementType),
			"score":           scoring.KRScore(kr),
		})
	}
	return map[string]any{
		"id":         obj.ID,
		"title":      obj.Title,
		"level":      string(obj.Level),
		"year":       obj.Year,
		"month":      obj.Month,
		"weight":     obj.Weight,
		"score":      scoring.ObjectiveScore(obj),
		"keyResults": krs,
	}
}
