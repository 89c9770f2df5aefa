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

package types

import (
	"strconv"
	"time"

	"github.com/gravitational/trace"
)

// Attribute names that user scripts read as numbers.
const (
	// AttrExpectedHours estimates the task effort in hours.
	AttrExpectedHours = "expected_hours"
	// AttrProgress tracks manual completion in [0,1].
	AttrProgress = "progress"
)

// Task is a unit of work attached to one time period. The timer runs while
// TimerStartedAt is set; accumulated time lives in TimeSpentMs.
type Task struct {
	ID             string            `json:"id"`
	PeriodID       string            `json:"periodId"`
	Title          string            `json:"title"`
	Completed      bool              `json:"completed"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty"`
	SortOrder      int               `json:"sortOrder"`
	TimeSpentMs    int64             `json:"timeSpentMs"`
	TimerStartedAt *time.Time        `json:"timerStartedAt,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	TagIDs         []string          `json:"tagIds,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// CheckAndSetDefaults does basic validation and default setting.
func (t *Task) CheckAndSetDefaults() error {
	if t.Title == "" {
		return trace.BadParameter("missing parameter Title")
	}
	if t.TimeSpentMs < 0 {
		return trace.BadParameter("time spent must not be negative")
	}
	return nil
}

// NumberAttribute parses the named attribute as a float. The second return
// is false when the attribute is absent or not numeric.
func (t *Task) NumberAttribute(name string) (float64, bool) {
	raw, ok := t.Attributes[name]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// TimerRunning reports whether the task timer is currently running.
func (t *Task) TimerRunning() bool {
	return t.TimerStartedAt != nil
}

// Tag labels tasks for grouping and query filters.
type Tag struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Color     string    `json:"color,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// CheckAndSetDefaults does basic validation and default setting.
func (t *Tag) CheckAndSetDefaults() error {
	if t.Name == "" {
		return trace.BadParameter("missing parameter Name")
	}
	return nil
}
