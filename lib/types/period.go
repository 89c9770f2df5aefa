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
	"time"

	"github.com/gravitational/trace"
)

// PeriodType is the granularity of a time period.
type PeriodType string

const (
	// PeriodYearly scopes a period to a calendar year.
	PeriodYearly PeriodType = "yearly"
	// PeriodMonthly scopes a period to a month of a year.
	PeriodMonthly PeriodType = "monthly"
	// PeriodWeekly scopes a period to a week of a year. Week numbering
	// depends on the owning user's week start day.
	PeriodWeekly PeriodType = "weekly"
	// PeriodDaily scopes a period to a single calendar day.
	PeriodDaily PeriodType = "daily"
)

// periodTypeVariants allows iteration of the expected period types.
var periodTypeVariants = [4]PeriodType{
	PeriodYearly, PeriodMonthly, PeriodWeekly, PeriodDaily,
}

// Parse interprets a string as a period type.
func (p *PeriodType) Parse(val string) error {
	for _, t := range periodTypeVariants {
		if string(t) == val {
			*p = t
			return nil
		}
	}
	return trace.BadParameter("unknown period type: %q", val)
}

// PeriodScope addresses one period of a user's calendar without naming its
// row id. Fields that the type does not use stay zero.
type PeriodScope struct {
	Type  PeriodType `json:"type"`
	Year  int        `json:"year"`
	Month int        `json:"month,omitempty"`
	Week  int        `json:"week,omitempty"`
	Day   int        `json:"day,omitempty"`
}

// Check validates that the scope names exactly the fields its type needs.
func (s *PeriodScope) Check() error {
	if err := s.Type.Parse(string(s.Type)); err != nil {
		return trace.Wrap(err)
	}
	if s.Year <= 0 {
		return trace.BadParameter("missing parameter Year")
	}
	switch s.Type {
	case PeriodYearly:
		if s.Month != 0 || s.Week != 0 || s.Day != 0 {
			return trace.BadParameter("yearly period takes no month, week or day")
		}
	case PeriodMonthly:
		if s.Month < 1 || s.Month > 12 {
			return trace.BadParameter("monthly period needs a month in [1,12]")
		}
		if s.Week != 0 || s.Day != 0 {
			return trace.BadParameter("monthly period takes no week or day")
		}
	case PeriodWeekly:
		if s.Week < 1 || s.Week > 54 {
			return trace.BadParameter("weekly period needs a week in [1,54]")
		}
		if s.Month != 0 || s.Day != 0 {
			return trace.BadParameter("weekly period takes no month or day")
		}
	case PeriodDaily:
		if s.Month < 1 || s.Month > 12 {
			return trace.BadParameter("daily period needs a month in [1,12]")
		}
		if s.Day < 1 || s.Day > 31 {
			return trace.BadParameter("daily period needs a day in [1,31]")
		}
		if s.Week != 0 {
			return trace.BadParameter("daily period takes no week")
		}
	}
	return nil
}

// TimePeriod is a user-owned slice of the calendar that tasks attach to.
// Periods are created lazily on first write and are unique per
// (user, type, year, month, week, day).
type TimePeriod struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	Type      PeriodType `json:"type"`
	Year      int        `json:"year"`
	Month     int        `json:"month,omitempty"`
	Week      int        `json:"week,omitempty"`
	Day       int        `json:"day,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Scope returns the calendar scope of the period.
func (p *TimePeriod) Scope() PeriodScope {
	return PeriodScope{Type: p.Type, Year: p.Year, Month: p.Month, Week: p.Week, Day: p.Day}
}

// WeekNumber returns the 1-based index of the week containing date, where
// weeks begin on weekStart and week 1 is the partial week containing
// January 1 of date's year.
func WeekNumber(date time.Time, weekStart time.Weekday) int {
	jan1 := time.Date(date.Year(), time.January, 1, 0, 0, 0, 0, date.Location())
	offset := (int(jan1.Weekday()) - int(weekStart) + 7) % 7
	return (date.YearDay()-1+offset)/7 + 1
}

// ScopeForDate builds the period scope of the given type containing date.
// Weekly scopes honor the supplied week start day.
func ScopeForDate(typ PeriodType, date time.Time, weekStart time.Weekday) (PeriodScope, error) {
	scope := PeriodScope{Type: typ, Year: date.Year()}
	switch typ {
	case PeriodYearly:
	case PeriodMonthly:
		scope.Month = int(date.Month())
	case PeriodWeekly:
		scope.Week = WeekNumber(date, weekStart)
	case PeriodDaily:
		scope.Month = int(date.Month())
		scope.Day = date.Day()
	default:
		return PeriodScope{}, trace.BadParameter("unknown period type: %q", typ)
	}
	return scope, nil
}
