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

// Package flex resolves flexible daily metrics against versioned templates.
// A template lists metric definitions; resolving a day combines the user's
// persisted inputs, plugin-imported values and expression-derived computed
// metrics into one view.
package flex

import (
	"context"
	"log/slog"
	"strings"

	"github.com/gravitational/trace"

	"github.com/goalpost-dev/goalpost"
	"github.com/goalpost-dev/goalpost/lib/expression"
	"github.com/goalpost-dev/goalpost/lib/types"
	logutils "github.com/goalpost-dev/goalpost/lib/utils/log"
)

// Store is the subset of the storage layer the engine needs.
type Store interface {
	ActiveTemplate(ctx context.Context, userID, date string) (types.MetricsTemplate, error)
	CreateTemplate(ctx context.Context, tpl types.MetricsTemplate) (types.MetricsTemplate, error)
	GetTemplate(ctx context.Context, userID, id string) (types.MetricsTemplate, error)
	ListTemplates(ctx context.Context, userID string) ([]types.MetricsTemplate, error)
	UpdateTemplate(ctx context.Context, tpl types.MetricsTemplate) (types.MetricsTemplate, error)
	DeleteTemplate(ctx context.Context, userID, id string) error
	GetMetricValues(ctx context.Context, userID, date string) ([]types.DailyMetricValue, error)
	UpsertMetricValue(ctx context.Context, v types.DailyMetricValue) (types.DailyMetricValue, error)
	DeleteMetricValue(ctx context.Context, userID, date, metricName string) error
}

// Config configures the template engine.
type Config struct {
	// Store persists templates and daily values.
	Store Store
	// Logger emits log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(goalpost.ComponentKey, goalpost.ComponentFlex)
	}
	return nil
}

// Engine owns template validation and day resolution.
type Engine struct {
	Config
}

// New creates a template engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{Config: cfg}, nil
}

// Resolution is one day of metrics resolved against the active template.
// Values holds an entry per template metric; metrics without a value are
// null. Errors carries per-metric evaluation failures.
type Resolution struct {
	Template types.MetricsTemplate    `json:"template"`
	Metrics  []types.MetricDefinition `json:"metrics"`
	Values   map[string]any           `json:"values"`
	Errors   map[string]string        `json:"errors,omitempty"`
}

// Resolve computes the metric view for one day. Inputs and external metrics
// read persisted rows; computed metrics are evaluated in dependency order
// with missing references treated as null. Nothing is written.
func (e *Engine) Resolve(ctx context.Context, userID, date string) (*Resolution, error) {
	if _, err := types.ParseDate(date); err != nil {
		return nil, trace.Wrap(err)
	}
	tpl, err := e.Store.ActiveTemplate(ctx, userID, date)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	persisted, err := e.persistedValues(ctx, userID, date)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return e.resolve(tpl, persisted), nil
}

// PutValues stores user inputs for one day, re-derives the computed metrics
// and persists those too, then returns the fresh resolution. A null input
// clears the stored value. External rows are never written here.
func (e *Engine) PutValues(ctx context.Context, userID, date string, inputs map[string]any) (*Resolution, error) {
	if _, err := types.ParseDate(date); err != nil {
		return nil, trace.Wrap(err)
	}
	tpl, err := e.Store.ActiveTemplate(ctx, userID, date)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// Validate everything before writing anything.
	for name, value := range inputs {
		def := tpl.Definition(name)
		if def == nil {
			return nil, trace.BadParameter("metric %q is not part of the active template", name)
		}
		if def.Type != types.MetricInput {
			return nil, trace.BadParameter("metric %q is not an input metric", name)
		}
		if value == nil {
			continue
		}
		if err := checkInputValue(def, value); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	for name, value := range inputs {
		if value == nil {
			err := e.Store.DeleteMetricValue(ctx, userID, date, name)
			if err != nil && !trace.IsNotFound(err) {
				return nil, trace.Wrap(err)
			}
			continue
		}
		_, err := e.Store.UpsertMetricValue(ctx, types.DailyMetricValue{
			UserID:     userID,
			Date:       date,
			MetricName: name,
			Value:      value,
			Source:     types.MetricSourceUser,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	persisted, err := e.persistedValues(ctx, userID, date)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	res := e.resolve(tpl, persisted)
	for _, def := range tpl.Metrics {
		if def.Type != types.MetricComputed || res.Errors[def.Name] != "" {
			continue
		}
		value := res.Values[def.Name]
		if value == nil {
			err := e.Store.DeleteMetricValue(ctx, userID, date, def.Name)
			if err != nil && !trace.IsNotFound(err) {
				return nil, trace.Wrap(err)
			}
			continue
		}
		_, err := e.Store.UpsertMetricValue(ctx, types.DailyMetricValue{
			UserID:     userID,
			Date:       date,
			MetricName: def.Name,
			Value:      value,
			Source:     types.MetricSourceComputed,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return res, nil
}

// CreateTemplate validates and stores a new template version.
func (e *Engine) CreateTemplate(ctx context.Context, tpl types.MetricsTemplate) (types.MetricsTemplate, error) {
	if err := checkTemplate(&tpl); err != nil {
		return types.MetricsTemplate{}, trace.Wrap(err)
	}
	out, err := e.Store.CreateTemplate(ctx, tpl)
	return out, trace.Wrap(err)
}

// UpdateTemplate validates and stores changes to an existing template.
func (e *Engine) UpdateTemplate(ctx context.Context, tpl types.MetricsTemplate) (types.MetricsTemplate, error) {
	if err := checkTemplate(&tpl); err != nil {
		return types.MetricsTemplate{}, trace.Wrap(err)
	}
	out, err := e.Store.UpdateTemplate(ctx, tpl)
	return out, trace.Wrap(err)
}

// GetTemplate returns one template by id.
func (e *Engine) GetTemplate(ctx context.Context, userID, id string) (types.MetricsTemplate, error) {
	out, err := e.Store.GetTemplate(ctx, userID, id)
	return out, trace.Wrap(err)
}

// ListTemplates returns the user's templates, newest effective date first.
func (e *Engine) ListTemplates(ctx context.Context, userID string) ([]types.MetricsTemplate, error) {
	out, err := e.Store.ListTemplates(ctx, userID)
	return out, trace.Wrap(err)
}

// DeleteTemplate removes a template version. Stored daily values survive.
func (e *Engine) DeleteTemplate(ctx context.Context, userID, id string) error {
	return trace.Wrap(e.Store.DeleteTemplate(ctx, userID, id))
}

func (e *Engine) persistedValues(ctx context.Context, userID, date string) (map[string]any, error) {
	rows, err := e.Store.GetMetricValues(ctx, userID, date)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	values := make(map[string]any, len(rows))
	for _, row := range rows {
		values[row.MetricName] = row.Value
	}
	return values, nil
}

func (e *Engine) resolve(tpl types.MetricsTemplate, persisted map[string]any) *Resolution {
	res := &Resolution{
		Template: tpl,
		Metrics:  tpl.Metrics,
		Values:   make(map[string]any, len(tpl.Metrics)),
	}
	for _, def := range tpl.Metrics {
		switch def.Type {
		case types.MetricInput:
			res.Values[def.Name] = persisted[def.Name]
		case types.MetricExternal:
			res.Values[def.Name] = persisted[def.Source]
		}
	}

	// The evaluation environment sees raw persisted rows (so expressions may
	// reference dotted plugin ids directly) shadowed by the template view.
	env := make(map[string]any, len(persisted)+len(res.Values))
	for name, value := range persisted {
		env[name] = value
	}
	for name, value := range res.Values {
		env[name] = value
	}

	order, cyclic := computedOrder(tpl.Metrics)
	for _, i := range order {
		def := tpl.Metrics[i]
		value, err := evaluateMetric(def.Expression, env)
		if err != nil {
			e.Logger.Debug("Metric evaluation failed.",
				"metric", def.Name, "error", err)
			res.setError(def.Name, err.Error())
			env[def.Name] = nil
			continue
		}
		res.Values[def.Name] = value
		env[def.Name] = value
	}
	for _, i := range cyclic {
		res.setError(tpl.Metrics[i].Name, "metric participates in a reference cycle")
	}
	return res
}

func (r *Resolution) setError(name, message string) {
	if r.Errors == nil {
		r.Errors = make(map[string]string)
	}
	r.Errors[name] = message
	r.Values[name] = nil
}

func evaluateMetric(src string, env map[string]any) (any, error) {
	expr, err := expression.Parse(src)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	value, err := expr.Evaluate(env)
	return value, trace.Wrap(err)
}

// checkInputValue enforces the value shape an input metric accepts.
func checkInputValue(def *types.MetricDefinition, value any) error {
	switch def.InputType {
	case types.InputNumber:
		switch value.(type) {
		case float64, int, int64:
			return nil
		}
		return trace.BadParameter("metric %q expects a number", def.Name)
	case types.InputTime:
		s, ok := value.(string)
		if !ok {
			return trace.BadParameter("metric %q expects a HH:MM string", def.Name)
		}
		if _, err := expression.ParseClock(s); err != nil {
			return trace.BadParameter("metric %q: %v", def.Name, err)
		}
	case types.InputText:
		if _, ok := value.(string); !ok {
			return trace.BadParameter("metric %q expects a string", def.Name)
		}
	case types.InputBoolean:
		if _, ok := value.(bool); !ok {
			return trace.BadParameter("metric %q expects a boolean", def.Name)
		}
	}
	return nil
}

// checkTemplate validates a template beyond the basic shape checks:
// expressions must parse and computed metrics must not form cycles.
func checkTemplate(tpl *types.MetricsTemplate) error {
	if err := tpl.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	for _, def := range tpl.Metrics {
		if def.Type != types.MetricComputed {
			continue
		}
		if _, err := expression.Parse(def.Expression); err != nil {
			return trace.BadParameter("metric %q: %v", def.Name, err)
		}
	}
	if _, cyclic := computedOrder(tpl.Metrics); len(cyclic) > 0 {
		names := make([]string, 0, len(cyclic))
		for _, i := range cyclic {
			names = append(names, tpl.Metrics[i].Name)
		}
		return trace.BadParameter("metrics %v form a reference cycle", strings.Join(names, ", "))
	}
	return nil
}

// computedOrder returns the indexes of computed metrics in an order where
// every metric comes after the computed metrics it references, plus the
// indexes of metrics stuck in reference cycles. References to inputs,
// externals or unknown names impose no ordering.
func computedOrder(defs []types.MetricDefinition) (order, cyclic []int) {
	byName := make(map[string]int)
	for i, def := range defs {
		if def.Type == types.MetricComputed {
			byName[def.Name] = i
		}
	}
	dependents := make(map[int][]int)
	indegree := make(map[int]int, len(byName))
	for i, def := range defs {
		if def.Type != types.MetricComputed {
			continue
		}
		indegree[i] += 0
		expr, err := expression.Parse(def.Expression)
		if err != nil {
			// Unparsable expressions order arbitrarily; evaluation
			// reports the parse error per metric.
			continue
		}
		for _, name := range expr.Refs() {
			j, ok := byName[name]
			if !ok {
				continue
			}
			dependents[j] = append(dependents[j], i)
			indegree[i]++
		}
	}

	done := make(map[int]bool, len(indegree))
	for {
		progressed := false
		for i, def := range defs {
			if def.Type != types.MetricComputed || done[i] || indegree[i] != 0 {
				continue
			}
			done[i] = true
			order = append(order, i)
			for _, dep := range dependents[i] {
				indegree[dep]--
			}
			progressed = true
		}
		if !progressed {
			break
		}
	}
	for i, def := range defs {
		if def.Type == types.MetricComputed && !done[i] {
			cyclic = append(cyclic, i)
		}
	}
	return order, cyclic
}
