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
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// MetricType is how a metric's daily value is produced.
type MetricType string

const (
	// MetricInput values are typed in by the user.
	MetricInput MetricType = "input"
	// MetricComputed values are derived from other metrics by an
	// expression evaluated at read time and persisted on write.
	MetricComputed MetricType = "computed"
	// MetricExternal values are imported by plugin sync.
	MetricExternal MetricType = "external"
)

// Parse interprets a string as a metric type.
func (m *MetricType) Parse(val string) error {
	switch MetricType(val) {
	case MetricInput, MetricComputed, MetricExternal:
		*m = MetricType(val)
		return nil
	}
	return trace.BadParameter("unknown metric type: %q", val)
}

// MetricInputType is the widget and value shape of an input metric.
type MetricInputType string

const (
	// InputNumber accepts numeric values.
	InputNumber MetricInputType = "number"
	// InputTime accepts HH:MM durations or times of day.
	InputTime MetricInputType = "time"
	// InputText accepts free-form strings.
	InputText MetricInputType = "text"
	// InputBoolean accepts true/false.
	InputBoolean MetricInputType = "boolean"
)

// Parse interprets a string as a metric input type.
func (m *MetricInputType) Parse(val string) error {
	switch MetricInputType(val) {
	case InputNumber, InputTime, InputText, InputBoolean:
		*m = MetricInputType(val)
		return nil
	}
	return trace.BadParameter("unknown metric input type: %q", val)
}

// MetricDefinition describes one metric of a template. Names are unique
// within a template; external sources name "pluginId.fieldId".
type MetricDefinition struct {
	Name       string          `json:"name"`
	Label      string          `json:"label"`
	Unit       string          `json:"unit,omitempty"`
	Type       MetricType      `json:"type"`
	InputType  MetricInputType `json:"inputType,omitempty"`
	Source     string          `json:"source,omitempty"`
	Expression string          `json:"expression,omitempty"`
}

// Check validates the definition shape. Expression syntax and reference
// cycles are checked by the template engine at save time.
func (d *MetricDefinition) Check() error {
	if d.Name == "" {
		return trace.BadParameter("missing parameter Name")
	}
	if err := d.Type.Parse(string(d.Type)); err != nil {
		return trace.Wrap(err)
	}
	switch d.Type {
	case MetricInput:
		if d.InputType == "" {
			d.InputType = InputNumber
		}
		if err := d.InputType.Parse(string(d.InputType)); err != nil {
			return trace.Wrap(err)
		}
		if d.Source != "" || d.Expression != "" {
			return trace.BadParameter("input metric %q takes no source or expression", d.Name)
		}
	case MetricComputed:
		if d.Expression == "" {
			return trace.BadParameter("computed metric %q needs an expression", d.Name)
		}
		if d.Source != "" {
			return trace.BadParameter("computed metric %q takes no source", d.Name)
		}
	case MetricExternal:
		plugin, field, ok := strings.Cut(d.Source, ".")
		if !ok || plugin == "" || field == "" {
			return trace.BadParameter("external metric %q needs a pluginId.fieldId source", d.Name)
		}
		if d.Expression != "" {
			return trace.BadParameter("external metric %q takes no expression", d.Name)
		}
	}
	return nil
}

// MetricsTemplate is a versioned list of metric definitions. The template
// whose EffectiveFrom is the greatest date not after the requested day wins.
type MetricsTemplate struct {
	ID            string             `json:"id"`
	UserID        string             `json:"userId"`
	Name          string             `json:"name"`
	EffectiveFrom string             `json:"effectiveFrom"`
	Metrics       []MetricDefinition `json:"metrics"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

// CheckAndSetDefaults does basic validation and default setting.
func (t *MetricsTemplate) CheckAndSetDefaults() error {
	if t.Name == "" {
		return trace.BadParameter("missing parameter Name")
	}
	if _, err := ParseDate(t.EffectiveFrom); err != nil {
		return trace.Wrap(err)
	}
	if len(t.Metrics) == 0 {
		return trace.BadParameter("template needs at least one metric")
	}
	seen := make(map[string]struct{}, len(t.Metrics))
	for i := range t.Metrics {
		if err := t.Metrics[i].Check(); err != nil {
			return trace.Wrap(err)
		}
		name := t.Metrics[i].Name
		if _, dup := seen[name]; dup {
			return trace.BadParameter("duplicate metric name %q", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// Definition returns the named metric definition, or nil.
func (t *MetricsTemplate) Definition(name string) *MetricDefinition {
	for i := range t.Metrics {
		if t.Metrics[i].Name == name {
			return &t.Metrics[i]
		}
	}
	return nil
}

const (
	// MetricSourceUser marks a daily value as typed in by the user.
	MetricSourceUser = "user"
	// MetricSourceComputed marks a value derived from an expression and
	// persisted alongside the inputs. Any other source is the id of the
	// plugin that imported the value.
	MetricSourceComputed = "computed"
)

// DailyMetricValue is one observation of one metric on one day. Values keep
// their JSON scalar type: float64, string or bool.
type DailyMetricValue struct {
	UserID     string    `json:"userId"`
	Date       string    `json:"date"`
	MetricName string    `json:"metricName"`
	Value      any       `json:"value"`
	Source     string    `json:"source"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// CheckAndSetDefaults does basic validation and default setting.
func (v *DailyMetricValue) CheckAndSetDefaults() error {
	if v.MetricName == "" {
		return trace.BadParameter("missing parameter MetricName")
	}
	if _, err := ParseDate(v.Date); err != nil {
		return trace.Wrap(err)
	}
	if v.Source == "" {
		v.Source = MetricSourceUser
	}
	switch v.Value.(type) {
	case nil, float64, string, bool:
	case int:
		v.Value = float64(v.Value.(int))
	case int64:
		v.Value = float64(v.Value.(int64))
	default:
		return trace.BadParameter("metric %q value must be a number, string or boolean", v.MetricName)
	}
	return nil
}
