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

// ObjectiveLevel is the planning horizon an objective belongs to.
type ObjectiveLevel string

const (
	// ObjectiveYearly is a year-level objective.
	ObjectiveYearly ObjectiveLevel = "yearly"
	// ObjectiveMonthly is a month-level objective, optionally linked to a
	// yearly parent.
	ObjectiveMonthly ObjectiveLevel = "monthly"
)

// Parse interprets a string as an objective level.
func (o *ObjectiveLevel) Parse(val string) error {
	switch ObjectiveLevel(val) {
	case ObjectiveYearly, ObjectiveMonthly:
		*o = ObjectiveLevel(val)
		return nil
	}
	return trace.BadParameter("unknown objective level: %q", val)
}

// Objective is a goal scored by the weighted average of its key results.
type Objective struct {
	ID         string         `json:"id"`
	UserID     string         `json:"userId"`
	Level      ObjectiveLevel `json:"level"`
	Year       int            `json:"year"`
	Month      int            `json:"month,omitempty"`
	Title      string         `json:"title"`
	Weight     float64        `json:"weight"`
	ParentID   string         `json:"parentId,omitempty"`
	KeyResults []KeyResult    `json:"keyResults,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// CheckAndSetDefaults does basic validation and default setting.
func (o *Objective) CheckAndSetDefaults() error {
	if o.Title == "" {
		return trace.BadParameter("missing parameter Title")
	}
	if err := o.Level.Parse(string(o.Level)); err != nil {
		return trace.Wrap(err)
	}
	if o.Year <= 0 {
		return trace.BadParameter("missing parameter Year")
	}
	switch o.Level {
	case ObjectiveYearly:
		if o.Month != 0 {
			return trace.BadParameter("yearly objective takes no month")
		}
		if o.ParentID != "" {
			return trace.BadParameter("yearly objective takes no parent")
		}
	case ObjectiveMonthly:
		if o.Month < 1 || o.Month > 12 {
			return trace.BadParameter("monthly objective needs a month in [1,12]")
		}
	}
	if o.Weight == 0 {
		o.Weight = 1
	}
	if o.Weight < 0 {
		return trace.BadParameter("weight must not be negative")
	}
	return nil
}

// MeasurementType selects how a key result's score is produced.
type MeasurementType string

const (
	// MeasurementSlider scores are set directly by the user.
	MeasurementSlider MeasurementType = "slider"
	// MeasurementCheckboxes scores are the completed fraction of the
	// checkbox items.
	MeasurementCheckboxes MeasurementType = "checkboxes"
	// MeasurementCustomQuery scores come from a sandboxed progress query;
	// the stored score caches the last observed value.
	MeasurementCustomQuery MeasurementType = "custom_query"
)

// Parse interprets a string as a measurement type.
func (m *MeasurementType) Parse(val string) error {
	switch MeasurementType(val) {
	case MeasurementSlider, MeasurementCheckboxes, MeasurementCustomQuery:
		*m = MeasurementType(val)
		return nil
	}
	return trace.BadParameter("unknown measurement type: %q", val)
}

// CheckboxItem is one entry of a checkbox-measured key result. Order is
// meaningful and preserved.
type CheckboxItem struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Completed bool   `json:"completed"`
}

// KeyResult is a measurable sub-goal of an objective.
type KeyResult struct {
	ID              string          `json:"id"`
	ObjectiveID     string          `json:"objectiveId"`
	Title           string          `json:"title"`
	Weight          float64         `json:"weight"`
	Score           float64         `json:"score"`
	MeasurementType MeasurementType `json:"measurementType"`
	CheckboxItems   []CheckboxItem  `json:"checkboxItems,omitempty"`
	// ProgressQueryID references a saved query evaluated for custom_query
	// key results. ProgressQueryCode, when set, takes precedence over it.
	ProgressQueryID   string    `json:"progressQueryId,omitempty"`
	ProgressQueryCode string    `json:"progressQueryCode,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// CheckAndSetDefaults does basic validation and default setting.
func (k *KeyResult) CheckAndSetDefaults() error {
	if k.Title == "" {
		return trace.BadParameter("missing parameter Title")
	}
	if err := k.MeasurementType.Parse(string(k.MeasurementType)); err != nil {
		return trace.Wrap(err)
	}
	if k.Weight == 0 {
		k.Weight = 1
	}
	if k.Weight < 0 {
		return trace.BadParameter("weight must not be negative")
	}
	if k.Score < 0 || k.Score > 1 {
		return trace.BadParameter("score must be within [0,1]")
	}
	if k.MeasurementType != MeasurementCheckboxes && len(k.CheckboxItems) > 0 {
		return trace.BadParameter("checkbox items require the checkboxes measurement type")
	}
	if k.MeasurementType != MeasurementCustomQuery && (k.ProgressQueryID != "" || k.ProgressQueryCode != "") {
		return trace.BadParameter("progress queries require the custom_query measurement type")
	}
	return nil
}
