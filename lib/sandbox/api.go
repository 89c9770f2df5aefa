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

package sandbox

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/dop251/goja"

	"github.com/goalpost-dev/goalpost/lib/expression"
)

// DailyFilter narrows q.daily. Zero fields do not filter.
type DailyFilter struct {
	Year  int
	Month int
	Week  int
	From  string
	To    string
}

// TaskQuery narrows q.tasks. Zero fields do not filter.
type TaskQuery struct {
	Year       int
	Month      int
	Week       int
	Completed  *bool
	Tag        string
	PeriodType string
	PeriodID   string
}

// ObjectiveQuery narrows q.objectives. Zero fields do not filter.
type ObjectiveQuery struct {
	Year  int
	Level string
}

// DataAPI is the host data surface behind the q capability. Records are
// plain maps so they cross into the runtime as ordinary objects: daily
// records carry date and a metrics map, task and objective records mirror
// their API encodings. Implementations bound all result sets.
type DataAPI interface {
	Daily(ctx context.Context, filter DailyFilter) ([]map[string]any, error)
	Tasks(ctx context.Context, filter TaskQuery) ([]map[string]any, error)
	Objectives(ctx context.Context, filter ObjectiveQuery) ([]map[string]any, error)
	Today(ctx context.Context) (map[string]any, error)
}

// emptyData backs runs that need no data access.
type emptyData struct{}

func (emptyData) Daily(context.Context, DailyFilter) ([]map[string]any, error) {
	return nil, nil
}
func (emptyData) Tasks(context.Context, TaskQuery) ([]map[string]any, error) {
	return nil, nil
}
func (emptyData) Objectives(context.Context, ObjectiveQuery) ([]map[string]any, error) {
	return nil, nil
}
func (emptyData) Today(context.Context) (map[string]any, error) {
	return nil, nil
}

// bindCapabilities installs the q, render, progress and params globals and
// freezes them. Nothing else of the host is reachable from the runtime.
func bindCapabilities(ctx context.Context, vm *goja.Runtime, req Request, renders *renderCollector, prog *progressState) error {
	data := req.Data
	if data == nil {
		data = emptyData{}
	}

	throw := func(message string) {
		panic(vm.ToValue(scrubMessage(message)))
	}

	q := vm.NewObject()
	q.Set("daily", func(call goja.FunctionCall) goja.Value {
		records, err := data.Daily(ctx, dailyFilterFrom(exportObject(call.Argument(0))))
		if err != nil {
			throw(err.Error())
		}
		return recordList(vm, records)
	})
	q.Set("tasks", func(call goja.FunctionCall) goja.Value {
		records, err := data.Tasks(ctx, taskQueryFrom(exportObject(call.Argument(0))))
		if err != nil {
			throw(err.Error())
		}
		return recordList(vm, records)
	})
	q.Set("objectives", func(call goja.FunctionCall) goja.Value {
		records, err := data.Objectives(ctx, objectiveQueryFrom(exportObject(call.Argument(0))))
		if err != nil {
			throw(err.Error())
		}
		return recordList(vm, records)
	})
	q.Set("today", func(call goja.FunctionCall) goja.Value {
		today, err := data.Today(ctx)
		if err != nil {
			throw(err.Error())
		}
		return plainObject(vm, today)
	})

	q.Set("sum", func(call goja.FunctionCall) goja.Value {
		sum, _ := sumField(exportList(call.Argument(0)), call.Argument(1).String())
		return vm.ToValue(sum)
	})
	q.Set("avg", func(call goja.FunctionCall) goja.Value {
		sum, n := sumField(exportList(call.Argument(0)), call.Argument(1).String())
		if n == 0 {
			return vm.ToValue(0.0)
		}
		return vm.ToValue(sum / float64(n))
	})
	q.Set("count", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(len(exportList(call.Argument(0))))
	})
	q.Set("parseTime", func(call goja.FunctionCall) goja.Value {
		minutes, err := expression.ParseClock(call.Argument(0).String())
		if err != nil {
			throw(err.Error())
		}
		return vm.ToValue(minutes)
	})
	q.Set("formatDuration", func(call goja.FunctionCall) goja.Value {
		f := call.Argument(0).ToFloat()
		if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
			throw("formatDuration expects a non-negative minute count")
		}
		m := int(math.Round(f))
		return vm.ToValue(fmt.Sprintf("%02d:%02d", m/60, m%60))
	})
	q.Set("formatPercent", func(call goja.FunctionCall) goja.Value {
		value := call.Argument(0).ToFloat()
		total := call.Argument(1).ToFloat()
		if total == 0 || math.IsNaN(value) || math.IsNaN(total) || math.IsInf(value, 0) || math.IsInf(total, 0) {
			return vm.ToValue("0%")
		}
		return vm.ToValue(fmt.Sprintf("%d%%", int(math.Round(value/total*100))))
	})

	render := vm.NewObject()
	render.Set("markdown", func(call goja.FunctionCall) goja.Value {
		renders.append(RenderOp{Kind: RenderMarkdown, Markdown: call.Argument(0).String()})
		return goja.Undefined()
	})
	render.Set("table", func(call goja.FunctionCall) goja.Value {
		renders.append(RenderOp{Kind: RenderTable, Table: tableFrom(exportObject(call.Argument(0)))})
		return goja.Undefined()
	})
	render.Set("json", func(call goja.FunctionCall) goja.Value {
		renders.append(RenderOp{Kind: RenderJSON, JSON: jsonSafe(call.Argument(0).Export())})
		return goja.Undefined()
	})
	plot := vm.NewObject()
	for _, kind := range []string{"bar", "line", "pie", "multi"} {
		plot.Set(kind, func(call goja.FunctionCall) goja.Value {
			renders.append(RenderOp{Kind: RenderPlot, Plot: &PlotSpec{
				Kind: kind,
				Spec: jsonSafe(call.Argument(0).Export()),
			}})
			return goja.Undefined()
		})
	}
	render.Set("plot", plot)

	progressObj := vm.NewObject()
	progressObj.Set("set", func(call goja.FunctionCall) goja.Value {
		prog.update(call.Argument(0).ToFloat(), call.Argument(1).ToFloat())
		return goja.Undefined()
	})

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}

	if err := vm.Set("q", q); err != nil {
		return err
	}
	if err := vm.Set("render", render); err != nil {
		return err
	}
	if err := vm.Set("progress", progressObj); err != nil {
		return err
	}
	if err := vm.Set("params", plainObject(vm, params)); err != nil {
		return err
	}
	// The global bindings are pinned and params is frozen recursively, so a
	// script can neither reassign the capabilities nor mutate its parameters.
	_, err := vm.RunString(`
Object.freeze(q); Object.freeze(render); Object.freeze(render.plot); Object.freeze(progress);
(function (global) {
	for (const name of ["q", "render", "progress", "params"]) {
		Object.defineProperty(global, name, {
			value: global[name],
			writable: false,
			configurable: false,
			enumerable: true,
		});
	}
	(function deepFreeze(o) {
		Object.freeze(o);
		for (const k of Object.getOwnPropertyNames(o)) {
			const v = o[k];
			if (v !== null && typeof v === "object" && !Object.isFrozen(v)) {
				deepFreeze(v);
			}
		}
	})(global.params);
})(this);
`)
	return err
}

// recordList converts host records into a native array of native objects so
// scripts see plain data and array methods work on the result.
func recordList(vm *goja.Runtime, records []map[string]any) goja.Value {
	items := make([]any, len(records))
	for i := range records {
		items[i] = plainObject(vm, records[i])
	}
	return vm.NewArray(items...)
}

// plainObject converts decoded JSON data into native runtime objects so the
// result can be frozen; reflected Go maps reject property redefinition.
func plainObject(vm *goja.Runtime, v any) goja.Value {
	switch x := v.(type) {
	case map[string]any:
		obj := vm.NewObject()
		for key, value := range x {
			obj.Set(key, plainObject(vm, value))
		}
		return obj
	case []any:
		items := make([]any, len(x))
		for i := range x {
			items[i] = plainObject(vm, x[i])
		}
		return vm.NewArray(items...)
	default:
		return vm.ToValue(v)
	}
}

// renderCollector accumulates render ops up to a budget. One run is
// single-threaded, so no locking.
type renderCollector struct {
	max        int
	ops        []RenderOp
	overflowed bool
	overflow   func()
}

func (c *renderCollector) append(op RenderOp) {
	if c.overflowed {
		return
	}
	if len(c.ops) >= c.max {
		c.overflowed = true
		c.overflow()
		return
	}
	c.ops = append(c.ops, op)
}

// progressState keeps the last valid progress.set call.
type progressState struct {
	valid bool
	num   float64
	denom float64
}

// update records a progress sample. A non-positive or non-finite
// denominator, or a non-finite numerator, is silently ignored.
func (p *progressState) update(num, denom float64) {
	if denom <= 0 || math.IsNaN(num) || math.IsInf(num, 0) || math.IsNaN(denom) || math.IsInf(denom, 0) {
		return
	}
	p.valid, p.num, p.denom = true, num, denom
}

func (p *progressState) snapshot() *Progress {
	if !p.valid {
		return nil
	}
	score := p.num / p.denom
	switch {
	case score < 0:
		score = 0
	case score > 1:
		score = 1
	}
	return &Progress{
		Num:   p.num,
		Denom: p.denom,
		Score: score,
		Label: formatNumber(p.num) + " / " + formatNumber(p.denom),
	}
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// exportObject unwraps a script value into a map, or nil.
func exportObject(v goja.Value) map[string]any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	m, _ := v.Export().(map[string]any)
	return m
}

// exportList unwraps a script value into a slice, or nil.
func exportList(v goja.Value) []any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	list, _ := v.Export().([]any)
	return list
}

func dailyFilterFrom(m map[string]any) DailyFilter {
	return DailyFilter{
		Year:  intField(m, "year"),
		Month: intField(m, "month"),
		Week:  intField(m, "week"),
		From:  stringField(m, "from"),
		To:    stringField(m, "to"),
	}
}

func taskQueryFrom(m map[string]any) TaskQuery {
	return TaskQuery{
		Year:       intField(m, "year"),
		Month:      intField(m, "month"),
		Week:       intField(m, "week"),
		Completed:  boolField(m, "completed"),
		Tag:        stringField(m, "tag"),
		PeriodType: stringField(m, "periodType"),
		PeriodID:   stringField(m, "periodId"),
	}
}

func objectiveQueryFrom(m map[string]any) ObjectiveQuery {
	return ObjectiveQuery{
		Year:  intField(m, "year"),
		Level: stringField(m, "level"),
	}
}

func tableFrom(m map[string]any) *TableSpec {
	spec := &TableSpec{}
	if headers, ok := m["headers"].([]any); ok {
		for _, h := range headers {
			if s, ok := h.(string); ok {
				spec.Headers = append(spec.Headers, s)
			} else {
				spec.Headers = append(spec.Headers, fmt.Sprint(h))
			}
		}
	}
	if rows, ok := m["rows"].([]any); ok {
		for _, r := range rows {
			if cells, ok := r.([]any); ok {
				row := make([]any, len(cells))
				for i := range cells {
					row[i] = jsonSafe(cells[i])
				}
				spec.Rows = append(spec.Rows, row)
			}
		}
	}
	return spec
}

// sumField adds up a numeric field across a list of records, looking the
// field up on the record itself and then inside its metrics map. Returns
// the sum and how many records contributed.
func sumField(list []any, field string) (float64, int) {
	var sum float64
	var n int
	for _, item := range list {
		record, ok := item.(map[string]any)
		if !ok {
			continue
		}
		value, ok := record[field]
		if !ok {
			metrics, mok := record["metrics"].(map[string]any)
			if !mok {
				continue
			}
			if value, ok = metrics[field]; !ok {
				continue
			}
		}
		if f, fok := toNumber(value); fok {
			sum += f
			n++
		}
	}
	return sum, n
}

func toNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	}
	return 0, false
}

func intField(m map[string]any, key string) int {
	if f, ok := toNumber(m[key]); ok {
		return int(f)
	}
	return 0
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolField(m map[string]any, key string) *bool {
	if b, ok := m[key].(bool); ok {
		return &b
	}
	return nil
}
