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

// QueryType categorizes what a saved query is for.
type QueryType string

const (
	// QueryGeneral is an ad-hoc query run from the query console.
	QueryGeneral QueryType = "general"
	// QueryKRProgress computes a key result score via progress.set.
	QueryKRProgress QueryType = "kr_progress"
	// QueryWidget renders dashboard widget content.
	QueryWidget QueryType = "widget"
)

// Parse interprets a string as a query type.
func (q *QueryType) Parse(val string) error {
	switch QueryType(val) {
	case QueryGeneral, QueryKRProgress, QueryWidget:
		*q = QueryType(val)
		return nil
	}
	return trace.BadParameter("unknown query type: %q", val)
}

// MaxQueryCodeSize bounds the script source accepted for storage and
// execution.
const MaxQueryCodeSize = 100 * 1024

// SavedQuery is a user script stored for reuse by widgets, key results and
// the query console.
type SavedQuery struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Code      string    `json:"code"`
	QueryType QueryType `json:"queryType"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CheckAndSetDefaults does basic validation and default setting.
func (q *SavedQuery) CheckAndSetDefaults() error {
	if q.Name == "" {
		return trace.BadParameter("missing parameter Name")
	}
	if q.Code == "" {
		return trace.BadParameter("missing parameter Code")
	}
	if len(q.Code) > MaxQueryCodeSize {
		return trace.BadParameter("query code exceeds the %d byte limit", MaxQueryCodeSize)
	}
	if q.QueryType == "" {
		q.QueryType = QueryGeneral
	}
	return trace.Wrap(q.QueryType.Parse(string(q.QueryType)))
}

// ExecutionLog is the audit record of one sandbox run. Snippets and error
// messages are truncated before storage.
type ExecutionLog struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	CodeSnippet     string    `json:"codeSnippet"`
	Context         QueryType `json:"context"`
	Success         bool      `json:"success"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
	ExecutionTimeMs int64     `json:"executionTimeMs"`
	CreatedAt       time.Time `json:"createdAt"`
}
