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

// Package types defines the domain entities shared by the storage,
// query, sync and web layers.
package types

import (
	"time"

	"github.com/gravitational/trace"
)

const (
	// DateFormat is the wire format for calendar dates.
	DateFormat = "2006-01-02"
	// ClockFormat is the wire format for time-of-day values.
	ClockFormat = "15:04"
)

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateFormat, s)
	if err != nil {
		return time.Time{}, trace.BadParameter("invalid date %q, expected YYYY-MM-DD", s)
	}
	return t, nil
}

// FormatDate renders t as a YYYY-MM-DD calendar date.
func FormatDate(t time.Time) string {
	return t.Format(DateFormat)
}

// WeekStartDay is the day a user's week begins on.
type WeekStartDay string

const (
	// WeekStartSunday starts weeks on Sunday.
	WeekStartSunday WeekStartDay = "sunday"
	// WeekStartMonday starts weeks on Monday.
	WeekStartMonday WeekStartDay = "monday"
)

// Weekday converts the week start day to a time.Weekday.
func (w WeekStartDay) Weekday() time.Weekday {
	if w == WeekStartMonday {
		return time.Monday
	}
	return time.Sunday
}

// Parse interprets a string as a week start day.
func (w *WeekStartDay) Parse(val string) error {
	switch WeekStartDay(val) {
	case WeekStartSunday, WeekStartMonday:
		*w = WeekStartDay(val)
		return nil
	}
	return trace.BadParameter("unknown week start day: %q", val)
}

// User is an account on this instance. Authentication is handled by an
// external collaborator; this service only reads users and their sessions.
type User struct {
	ID           string       `json:"id"`
	Username     string       `json:"username"`
	WeekStartDay WeekStartDay `json:"weekStartDay"`
	Timezone     string       `json:"timezone,omitempty"`
	Admin        bool         `json:"admin"`
	Disabled     bool         `json:"disabled"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// CheckAndSetDefaults does basic validation and default setting.
func (u *User) CheckAndSetDefaults() error {
	if u.Username == "" {
		return trace.BadParameter("missing parameter Username")
	}
	if u.WeekStartDay == "" {
		u.WeekStartDay = WeekStartSunday
	}
	if err := u.WeekStartDay.Parse(string(u.WeekStartDay)); err != nil {
		return trace.Wrap(err)
	}
	if u.Timezone != "" {
		if _, err := time.LoadLocation(u.Timezone); err != nil {
			return trace.BadParameter("unknown timezone %q", u.Timezone)
		}
	}
	return nil
}

// Location resolves the user's timezone, falling back to UTC when the user
// never picked one.
func (u *User) Location() *time.Location {
	if u.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Session is an opaque bearer token minted by the external login
// collaborator and honored here until it expires.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// Expired reports whether the session is past its expiry at the given time.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
