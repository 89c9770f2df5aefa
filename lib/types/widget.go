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
	"encoding/json"
	"time"

	"github.com/gravitational/trace"
)

// DashboardWidget is one tile on a user's dashboard. Config is an opaque
// JSON document interpreted by the widget type; query widgets keep the
// saved query reference and params there.
type DashboardWidget struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	Title      string          `json:"title"`
	WidgetType string          `json:"widgetType"`
	Config     json.RawMessage `json:"config,omitempty"`
	SortOrder  int             `json:"sortOrder"`
	Page       string          `json:"page,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// CheckAndSetDefaults does basic validation and default setting.
func (w *DashboardWidget) CheckAndSetDefaults() error {
	if w.Title == "" {
		return trace.BadParameter("missing parameter Title")
	}
	if w.WidgetType == "" {
		return trace.BadParameter("missing parameter WidgetType")
	}
	if len(w.Config) > 0 && !json.Valid(w.Config) {
		return trace.BadParameter("widget config is not valid JSON")
	}
	return nil
}
