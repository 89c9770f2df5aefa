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

// Reflection is a dated journal entry.
type Reflection struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Date      string    `json:"date"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CheckAndSetDefaults does basic validation and default setting.
func (r *Reflection) CheckAndSetDefaults() error {
	if r.Content == "" {
		return trace.BadParameter("missing parameter Content")
	}
	_, err := ParseDate(r.Date)
	return trace.Wrap(err)
}

// Principle is a guiding statement a user keeps on their profile.
type Principle struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	SortOrder   int       `json:"sortOrder"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CheckAndSetDefaults does basic validation and default setting.
func (p *Principle) CheckAndSetDefaults() error {
	if p.Title == "" {
		return trace.BadParameter("missing parameter Title")
	}
	return nil
}

// PersonalValue is a named value a user tracks alongside principles.
type PersonalValue struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	SortOrder   int       `json:"sortOrder"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CheckAndSetDefaults does basic validation and default setting.
func (v *PersonalValue) CheckAndSetDefaults() error {
	if v.Title == "" {
		return trace.BadParameter("missing parameter Title")
	}
	return nil
}

// FriendRequestStatus tracks the lifecycle of a friend request.
type FriendRequestStatus string

const (
	// FriendRequestPending awaits an answer.
	FriendRequestPending FriendRequestStatus = "pending"
	// FriendRequestAccepted created a friendship.
	FriendRequestAccepted FriendRequestStatus = "accepted"
	// FriendRequestDeclined was turned down.
	FriendRequestDeclined FriendRequestStatus = "declined"
)

// FriendRequest is a pending or answered invitation between two users.
type FriendRequest struct {
	ID         string              `json:"id"`
	FromUserID string              `json:"fromUserId"`
	ToUserID   string              `json:"toUserId"`
	Status     FriendRequestStatus `json:"status"`
	CreatedAt  time.Time           `json:"createdAt"`
	UpdatedAt  time.Time           `json:"updatedAt"`
}

// Friendship links two users; rows are stored once per direction.
type Friendship struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	FriendUserID string    `json:"friendUserId"`
	CreatedAt    time.Time `json:"createdAt"`
}
