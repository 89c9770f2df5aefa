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

package flex

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/goalpost-dev/goalpost/lib/storage"
	"github.com/goalpost-dev/goalpost/lib/types"
)

type testPack struct {
	store  *storage.Storage
	engine *Engine
	userID string
}

func newTestPack(t *testing.T) *testPack {
	t.Helper()
	ctx := context.Background()
	store, err := storage.New(ctx, storage.Config{
		Path: filepath.Join(t.TempDir(), "goalpost.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	user, err := store.CreateUser(ctx, types.User{Username: "ada"})
	require.NoError(t, err)

	engine, err := New(Config{Store: store})
	require.NoError(t, err)
	return &testPack{store: store, engine: engine, userID: user.ID}
}

func sleepTemplate() types.MetricsTemplate {
	return types.MetricsTemplate{
		Name:          "health",
		EffectiveFrom: "2025-01-01",
		Metrics: []types.MetricDefinition{
			{Name: "sleep", Label: "Sleep", Type: types.MetricInput, InputType: types.InputTime},
			{Name: "sleepHours", Label: "Sleep (h)", Type: types.MetricComputed,
				Expression: "parseTime(sleep) / 60"},
		},
	}
}

func TestPutValuesDerivesComputed(t *testing.T) {
	p := newTestPack(t)
	ctx := context.Background()

	tpl := sleepTemplate()
	tpl.UserID = p.userID
	_, err := p.engine.CreateTemplate(ctx, tpl)
	require.NoError(t, err)

	res, err := p.engine.PutValues(ctx, p.userID, "2025-03-14", map[string]any{
		"sleep": "07:30",
	})
	require.NoError(t, err)
	require.Equal(t, "07:30", res.Values["sleep"])
	require.Equal(t, 7.5, res.Values["sleepHours"])
	require.Empty(t, res.Errors)

	// A fresh read resolves the same view.
	res, err = p.engine.Resolve(ctx, p.userID, "2025-03-14")
	require.NoError(t, err)
	require.Equal(t, "07:30", res.Values["sleep"])
	require.Equal(t, 7.5, res.Values["sleepHours"])

	// The derived value is persisted with its own source.
	rows, err := p.store.GetMetricValues(ctx, p.userID, "2025-03-14")
	require.NoError(t, err)
	bySource := map[string]string{}
	for _, row := range rows {
		bySource[row.MetricName] = row.Source
	}
	require.Equal(t, types.MetricSourceUser, bySource["sleep"])
	require.Equal(t, types.MetricSourceComputed, bySource["sleepHours"])
}

func TestResolveMissingInputIsNull(t *testing.T) {
	p := newTestPack(t)
	ctx := context.Background()

	tpl := sleepTemplate()
	tpl.UserID = p.userID
	_, err := p.engine.CreateTemplate(ctx, tpl)
	require.NoError(t, err)

	res, err := p.engine.Resolve(ctx, p.userID, "2025-03-14")
	require.NoError(t, err)
	require.Contains(t, res.Values, "sleep")
	require.Nil(t, res.Values["sleep"])
	// parseTime(null) propagates null rather than failing.
	require.Nil(t, res.Values["sleepHours"])
	require.Empty(t, res.Errors)
}

func TestResolveExternalMetric(t *testing.T) {
	p := newTestPack(t)
	ctx := context.Background()

	_, err := p.engine.CreateTemplate(ctx, types.MetricsTemplate{
		UserID:        p.userID,
		Name:          "activity",
		EffectiveFrom: "2025-01-01",
		Metrics: []types.MetricDefinition{
			{Name: "steps", Label: "Steps", Type: types.MetricExternal, Source: "fitbit.steps"},
			{Name: "stepGoalPct", Type: types.MetricComputed, Expression: "steps / 10000"},
		},
	})
	require.NoError(t, err)

	// Before any sync the external metric is null.
	res, err := p.engine.Resolve(ctx, p.userID, "2025-03-14")
	require.NoError(t, err)
	require.Nil(t, res.Values["steps"])
	require.Nil(t, res.Values["stepGoalPct"])

	// Simulate a plugin import.
	_, err = p.store.UpsertMetricValue(ctx, types.DailyMetricValue{
		UserID: p.userID, Date: "2025-03-14", MetricName: "fitbit.steps",
		Value: 10234.0, Source: "fitbit",
	})
	require.NoError(t, err)

	res, err = p.engine.Resolve(ctx, p.userID, "2025-03-14")
	require.NoError(t, err)
	require.Equal(t, 10234.0, res.Values["steps"])
	require.Equal(t, 1.0234, res.Values["stepGoalPct"])
}

func TestResolveComputedChainOutOfOrder(t *testing.T) {
	p := newTestPack(t)
	ctx := context.Background()

	// "total" appears before the metric it depends on.
	_, err := p.engine.CreateTemplate(ctx, types.MetricsTemplate{
		UserID:        p.userID,
		Name:          "chain",
		EffectiveFrom: "2025-01-01",
		Metrics: []types.MetricDefinition{
			{Name: "total", Type: types.MetricComputed, Expression: "double + 1"},
			{Name: "double", Type: types.MetricComputed, Expression: "base * 2"},
			{Name: "base", Type: types.MetricInput, InputType: types.InputNumber},
		},
	})
	require.NoError(t, err)

	res, err := p.engine.PutValues(ctx, p.userID, "2025-03-14", map[string]any{
		"base": 5.0,
	})
	require.NoError(t, err)
	require.Equal(t, 10.0, res.Values["double"])
	require.Equal(t, 11.0, res.Values["total"])
}

func TestResolveEvaluationError(t *testing.T) {
	p := newTestPack(t)
	ctx := context.Background()

	_, err := p.engine.CreateTemplate(ctx, types.MetricsTemplate{
		UserID:        p.userID,
		Name:          "broken",
		EffectiveFrom: "2025-01-01",
		Metrics: []types.MetricDefinition{
			{Name: "base", Type: types.MetricInput, InputType: types.InputNumber},
			{Name: "ratio", Type: types.MetricComputed, Expression: "base / 0"},
		},
	})
	require.NoError(t, err)

	res, err := p.engine.PutValues(ctx, p.userID, "2025-03-14", map[string]any{
		"base": 3.0,
	})
	require.NoError(t, err)
	require.Equal(t, 3.0, res.Values["base"])
	require.Nil(t, res.Values["ratio"])
	require.NotEmpty(t, res.Errors["ratio"])

	// The failing metric is not persisted.
	rows, err := p.store.GetMetricValues(ctx, p.userID, "2025-03-14")
	require.NoError(t, err)
	for _, row := range rows {
		require.NotEqual(t, "ratio", row.MetricName)
	}
}

func TestPutValuesClearsOnNull(t *testing.T) {
	p := newTestPack(t)
	ctx := context.Background()

	tpl := sleepTemplate()
	tpl.UserID = p.userID
	_, err := p.engine.CreateTemplate(ctx, tpl)
	require.NoError(t, err)

	_, err = p.engine.PutValues(ctx, p.userID, "2025-03-14", map[string]any{"sleep": "07:30"})
	require.NoError(t, err)

	res, err := p.engine.PutValues(ctx, p.userID, "2025-03-14", map[string]any{"sleep": nil})
	require.NoError(t, err)
	require.Nil(t, res.Values["sleep"])
	require.Nil(t, res.Values["sleepHours"])

	rows, err := p.store.GetMetricValues(ctx, p.userID, "2025-03-14")
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestPutValuesValidation(t *testing.T) {
	p := newTestPack(t)
	ctx := context.Background()

	tpl := sleepTemplate()
	tpl.UserID = p.userID
	_, err := p.engine.CreateTemplate(ctx, tpl)
	require.NoError(t, err)

	tests := []struct {
		desc   string
		inputs map[string]any
	}{
		{desc: "unknown metric", inputs: map[string]any{"weight": 80.0}},
		{desc: "not an input", inputs: map[string]any{"sleepHours": 7.5}},
		{desc: "wrong type", inputs: map[string]any{"sleep": 7.5}},
		{desc: "bad clock string", inputs: map[string]any{"sleep": "25:99"}},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			_, err := p.engine.PutValues(ctx, p.userID, "2025-03-14", tt.inputs)
			require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
		})
	}

	_, err = p.engine.PutValues(ctx, p.userID, "not-a-date", map[string]any{"sleep": "07:30"})
	require.True(t, trace.IsBadParameter(err))
}

func TestTemplateValidation(t *testing.T) {
	p := newTestPack(t)
	ctx := context.Background()

	base := func() types.MetricsTemplate {
		return types.MetricsTemplate{
			UserID:        p.userID,
			Name:          "t",
			EffectiveFrom: "2025-01-01",
		}
	}

	// Unparsable expression.
	tpl := base()
	tpl.Metrics = []types.MetricDefinition{
		{Name: "x", Type: types.MetricComputed, Expression: "1 +"},
	}
	_, err := p.engine.CreateTemplate(ctx, tpl)
	require.True(t, trace.IsBadParameter(err))

	// Reference cycle.
	tpl = base()
	tpl.Metrics = []types.MetricDefinition{
		{Name: "a", Type: types.MetricComputed, Expression: "b + 1"},
		{Name: "b", Type: types.MetricComputed, Expression: "a + 1"},
	}
	_, err = p.engine.CreateTemplate(ctx, tpl)
	require.True(t, trace.IsBadParameter(err))

	// Self reference.
	tpl = base()
	tpl.Metrics = []types.MetricDefinition{
		{Name: "a", Type: types.MetricComputed, Expression: "a + 1"},
	}
	_, err = p.engine.CreateTemplate(ctx, tpl)
	require.True(t, trace.IsBadParameter(err))

	// Duplicate names.
	tpl = base()
	tpl.Metrics = []types.MetricDefinition{
		{Name: "a", Type: types.MetricInput},
		{Name: "a", Type: types.MetricInput},
	}
	_, err = p.engine.CreateTemplate(ctx, tpl)
	require.True(t, trace.IsBadParameter(err))

	// References to unknown names are fine; they evaluate to null.
	tpl = base()
	tpl.Metrics = []types.MetricDefinition{
		{Name: "a", Type: types.MetricComputed, Expression: "nonexistent + 1"},
	}
	_, err = p.engine.CreateTemplate(ctx, tpl)
	require.NoError(t, err)
}

func TestResolveNoTemplate(t *testing.T) {
	p := newTestPack(t)
	_, err := p.engine.Resolve(context.Background(), p.userID, "2025-03-14")
	require.True(t, trace.IsNotFound(err))
}
