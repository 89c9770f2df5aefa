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

package queries

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/goalpost-dev/goalpost/lib/defaults"
	"github.com/goalpost-dev/goalpost/lib/events"
	"github.com/goalpost-dev/goalpost/lib/limiter"
	"github.com/goalpost-dev/goalpost/lib/sandbox"
	"github.com/goalpost-dev/goalpost/lib/storage"
	"github.com/goalpost-dev/goalpost/lib/types"
)

type testPack struct {
	clock    *clockwork.FakeClock
	store    *storage.Storage
	events   *events.Broadcaster
	executor *Executor
	user     types.User
}

func newPack(t *testing.T) *testPack {
	t.Helper()
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC))

	store, err := storage.New(ctx, storage.Config{
		Path:  filepath.Join(t.TempDir(), "goalpost.db"),
		Clock: clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	user, err := store.CreateUser(ctx, types.User{Username: "ada"})
	require.NoError(t, err)

	lim, err := limiter.New(limiter.Config{Clock: clock})
	require.NoError(t, err)
	host, err := sandbox.New(sandbox.Config{Clock: clock})
	require.NoError(t, err)
	broadcaster, err := events.NewBroadcaster(events.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(broadcaster.Close)

	executor, err := New(Config{
		Store:   store,
		Limiter: lim,
		Host:    host,
		Events:  broadcaster,
		Clock:   clock,
	})
	require.NoError(t, err)

	return &testPack{
		clock:    clock,
		store:    store,
		events:   broadcaster,
		executor: executor,
		user:     user,
	}
}

func TestExecuteProgressScript(t *testing.T) {
	pack := newPack(t)
	ctx := context.Background()

	code := `progress.set(3, 4); "ok"`
	out, err := pack.executor.Execute(ctx, pack.user.ID, Request{Code: code, Context: types.QueryWidget})
	require.NoError(t, err)
	require.True(t, out.Success(), out.Error)
	require.NotNil(t, out.Progress)
	require.Equal(t, 0.75, out.Progress.Score)
	require.Equal(t, "3 / 4", out.Progress.Label)
	require.Equal(t, "ok", out.ReturnValue)

	logs, err := pack.store.ListExecutions(ctx, storage.ExecutionFilter{UserID: pack.user.ID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.True(t, logs[0].Success)
	require.Empty(t, logs[0].ErrorMessage)
	require.Equal(t, types.QueryWidget, logs[0].Context)
	require.Equal(t, code, logs[0].CodeSnippet)
	require.GreaterOrEqual(t, logs[0].ExecutionTimeMs, int64(0))
}

func TestExecuteFailureIsAudited(t *testing.T) {
	pack := newPack(t)
	ctx := context.Background()

	out, err := pack.executor.Execute(ctx, pack.user.ID, Request{Code: `throw new Error("kaput");`})
	require.NoError(t, err)
	require.False(t, out.Success())
	require.Equal(t, sandbox.KindRuntimeError, out.ErrorKind)

	logs, err := pack.store.ListExecutions(ctx, storage.ExecutionFilter{UserID: pack.user.ID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.False(t, logs[0].Success)
	require.Equal(t, "RuntimeError: Error: kaput", logs[0].ErrorMessage)
}

func TestExecuteRateLimit(t *testing.T) {
	pack := newPack(t)
	ctx := context.Background()

	for i := 0; i < defaults.RateLimitExecutions; i++ {
		_, err := pack.executor.Execute(ctx, pack.user.ID, Request{Code: `1 + 1`})
		require.NoError(t, err)
		pack.clock.Advance(300 * time.Millisecond)
	}
	_, err := pack.executor.Execute(ctx, pack.user.ID, Request{Code: `1 + 1`})
	require.True(t, trace.IsLimitExceeded(err), "expected LimitExceeded, got %v", err)

	// the rejected attempt left no audit row
	logs, err := pack.store.ListExecutions(ctx, storage.ExecutionFilter{UserID: pack.user.ID})
	require.NoError(t, err)
	require.Len(t, logs, defaults.RateLimitExecutions)
}

func TestExecuteSavedQuery(t *testing.T) {
	pack := newPack(t)
	ctx := context.Background()

	saved, err := pack.store.CreateSavedQuery(ctx, types.SavedQuery{
		UserID: pack.user.ID,
		Name:   "meaning",
		Code:   `return 21 * 2;`,
	})
	require.NoError(t, err)

	out, err := pack.executor.Execute(ctx, pack.user.ID, Request{QueryID: saved.ID})
	require.NoError(t, err)
	require.Equal(t, int64(42), out.ReturnValue)

	// inline code wins over a stored query reference
	out, err = pack.executor.Execute(ctx, pack.user.ID, Request{QueryID: saved.ID, Code: `"inline"`})
	require.NoError(t, err)
	require.Equal(t, "inline", out.ReturnValue)

	// stored queries are scoped to their owner
	other, err := pack.store.CreateUser(ctx, types.User{Username: "grace"})
	require.NoError(t, err)
	_, err = pack.executor.Execute(ctx, other.ID, Request{QueryID: saved.ID})
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
}

func TestExecuteValidation(t *testing.T) {
	pack := newPack(t)
	ctx := context.Background()

	_, err := pack.executor.Execute(ctx, pack.user.ID, Request{})
	require.True(t, trace.IsBadParameter(err))

	_, err = pack.executor.Execute(ctx, pack.user.ID, Request{Code: strings.Repeat("x", types.MaxQueryCodeSize+1)})
	require.True(t, trace.IsBadParameter(err))

	_, err = pack.executor.Execute(ctx, pack.user.ID, Request{Code: `1`, Context: "bogus"})
	require.True(t, trace.IsBadParameter(err))

	_, err = pack.executor.Execute(ctx, "", Request{Code: `1`})
	require.True(t, trace.IsBadParameter(err))
}

func TestExecuteDisabledUser(t *testing.T) {
	pack := newPack(t)
	ctx := context.Background()

	pack.user.Disabled = true
	_, err := pack.store.UpdateUser(ctx, pack.user)
	require.NoError(t, err)

	_, err = pack.executor.Execute(ctx, pack.user.ID, Request{Code: `1`})
	require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)
}

func TestExecuteDailyData(t *testing.T) {
	pack := newPack(t)
	ctx := context.Background()

	for _, v := range []types.DailyMetricValue{
		{UserID: pack.user.ID, Date: "2025-03-13", MetricName: "sleep", Value: "07:30"},
		{UserID: pack.user.ID, Date: "2025-03-14", MetricName: "fitbit.steps", Value: 10234.0, Source: "fitbit"},
		{UserID: pack.user.ID, Date: "2025-03-14", MetricName: "mood", Value: 4.0},
		{UserID: pack.user.ID, Date: "2024-12-31", MetricName: "mood", Value: 2.0},
	} {
		_, err := pack.store.UpsertMetricValue(ctx, v)
		require.NoError(t, err)
	}

	code := `
const rows = await q.daily({year: 2025});
({
	n: q.count(rows),
	dates: rows.map((r) => r.date),
	steps: rows[1].metrics["fitbit.steps"],
	sleep: rows[0].metrics.sleep,
})
`
	out, err := pack.executor.Execute(ctx, pack.user.ID, Request{Code: code})
	require.NoError(t, err)
	require.True(t, out.Success(), out.Error)

	got, ok := out.ReturnValue.(map[string]any)
	require.True(t, ok, "unexpected return value %#v", out.ReturnValue)
	require.Equal(t, int64(2), got["n"])
	require.Equal(t, []any{"2025-03-13", "2025-03-14"}, got["dates"])
	require.Equal(t, 10234.0, got["steps"])
	require.Equal(t, "07:30", got["sleep"])
}

func TestExecuteToday(t *testing.T) {
	pack := newPack(t)

	out, err := pack.executor.Execute(context.Background(), pack.user.ID,
		Request{Code: `const now = q.today(); [now.date, now.week, now.year]`})
	require.NoError(t, err)
	require.True(t, out.Success(), out.Error)
	require.Equal(t, []any{"2025-03-14", int64(11), int64(2025)}, out.ReturnValue)
}

func TestExecuteTaskData(t *testing.T) {
	pack := newPack(t)
	ctx := context.Background()

	period, err := pack.store.GetOrCreatePeriod(ctx, pack.user.ID,
		types.PeriodScope{Type: types.PeriodWeekly, Year: 2025, Week: 11})
	require.NoError(t, err)
	tag, err := pack.store.CreateTag(ctx, types.Tag{UserID: pack.user.ID, Name: "deep-work"})
	require.NoError(t, err)

	_, err = pack.store.CreateTask(ctx, pack.user.ID, types.Task{
		PeriodID:   period.ID,
		Title:      "write design doc",
		Completed:  true,
		Attributes: map[string]string{types.AttrExpectedHours: "2.5"},
		TagIDs:     []string{tag.ID},
	})
	require.NoError(t, err)
	_, err = pack.store.CreateTask(ctx, pack.user.ID, types.Task{PeriodID: period.ID, Title: "untagged"})
	require.NoError(t, err)

	code := `
const tagged = await q.tasks({week: 11, tag: "deep-work"});
const all = await q.tasks({periodType: "weekly"});
const none = await q.tasks({tag: "nope"});
({
	taggedTitles: tagged.map((t) => t.title),
	allCount: q.count(all),
	hours: q.sum(tagged.map((t) => t.attributes), "expected_hours"),
	week: tagged[0].week,
	noneCount: q.count(none),
})
`
	out, err := pack.executor.Execute(ctx, pack.user.ID, Request{Code: code})
	require.NoError(t, err)
	require.True(t, out.Success(), out.Error)

	got, ok := out.ReturnValue.(map[string]any)
	require.True(t, ok, "unexpected return value %#v", out.ReturnValue)
	require.Equal(t, []any{"write design doc"}, got["taggedTitles"])
	require.Equal(t, int64(2), got["allCount"])
	require.Equal(t, 2.5, got["hours"])
	require.Equal(t, int64(11), got["week"])
	require.Equal(t, int64(0), got["noneCount"])
}

func TestExecuteObjectiveData(t *testing.T) {
	pack := newPack(t)
	ctx := context.Background()

	obj, err := pack.store.CreateObjective(ctx, types.Objective{
		UserID: pack.user.ID, Title: "health", Level: types.ObjectiveYearly, Year: 2025,
	})
	require.NoError(t, err)
	_, err = pack.store.CreateKeyResult(ctx, pack.user.ID, types.KeyResult{
		ObjectiveID:     obj.ID,
		Title:           "measure blood pressure weekly",
		MeasurementType: types.MeasurementCheckboxes,
		CheckboxItems: []types.CheckboxItem{
			{Label: "w1", Completed: true},
			{Label: "w2", Completed: false},
			{Label: "w3", Completed: true},
			{Label: "w4", Completed: true},
		},
	})
	require.NoError(t, err)

	code := `
const objectives = await q.objectives({year: 2025, level: "yearly"});
({
	titles: objectives.map((o) => o.title),
	score: objectives[0].score,
	krScore: objectives[0].keyResults[0].score,
})
`
	out, err := pack.executor.Execute(ctx, pack.user.ID, Request{Code: code})
	require.NoError(t, err)
	require.True(t, out.Success(), out.Error)

	got, ok := out.ReturnValue.(map[string]any)
	require.True(t, ok, "unexpected return value %#v", out.ReturnValue)
	require.Equal(t, []any{"health"}, got["titles"])
	require.Equal(t, 0.75, got["score"])
	require.Equal(t, 0.75, got["krScore"])
}

func TestEvaluateKRs(t *testing.T) {
	pack := newPack(t)
	ctx := context.Background()

	obj, err := pack.store.CreateObjective(ctx, types.Objective{
		UserID: pack.user.ID, Title: "health", Level: types.ObjectiveYearly, Year: 2025,
	})
	require.NoError(t, err)
	kr, err := pack.store.CreateKeyResult(ctx, pack.user.ID, types.KeyResult{
		ObjectiveID:       obj.ID,
		Title:             "steps goal",
		MeasurementType:   types.MeasurementCustomQuery,
		ProgressQueryCode: `progress.set(1, 2);`,
	})
	require.NoError(t, err)
	silent, err := pack.store.CreateKeyResult(ctx, pack.user.ID, types.KeyResult{
		ObjectiveID:       obj.ID,
		Title:             "no progress call",
		Score:             0.9,
		MeasurementType:   types.MeasurementCustomQuery,
		ProgressQueryCode: `render.markdown("hi");`,
	})
	require.NoError(t, err)
	slider, err := pack.store.CreateKeyResult(ctx, pack.user.ID, types.KeyResult{
		ObjectiveID:     obj.ID,
		Title:           "manual",
		MeasurementType: types.MeasurementSlider,
	})
	require.NoError(t, err)

	sub, err := pack.events.Subscribe(pack.user.ID)
	require.NoError(t, err)
	defer sub.Close()

	results, err := pack.executor.EvaluateKRs(ctx, pack.user.ID, []string{kr.ID, silent.ID, slider.ID})
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.NotNil(t, results[kr.ID].Score)
	require.Equal(t, 0.5, *results[kr.ID].Score)
	require.Empty(t, results[kr.ID].Error)

	require.Nil(t, results[silent.ID].Score)
	require.Equal(t, "script completed without calling progress.set", results[silent.ID].Error)

	require.Nil(t, results[slider.ID].Score)
	require.Equal(t, "key result does not use a custom query", results[slider.ID].Error)

	// the computed score was persisted, the silent one kept its cache
	persisted, err := pack.store.GetKeyResult(ctx, pack.user.ID, kr.ID)
	require.NoError(t, err)
	require.Equal(t, 0.5, persisted.Score)
	persisted, err = pack.store.GetKeyResult(ctx, pack.user.ID, silent.ID)
	require.NoError(t, err)
	require.Equal(t, 0.9, persisted.Score)

	select {
	case evt := <-sub.Events():
		require.Equal(t, events.TagObjectives, evt.Tag)
	default:
		t.Fatal("expected an objectives change event")
	}

	// both executed scripts were audited in the kr_progress context
	logs, err := pack.store.ListExecutions(ctx, storage.ExecutionFilter{UserID: pack.user.ID})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	for _, entry := range logs {
		require.Equal(t, types.QueryKRProgress, entry.Context)
	}
}

func TestEvaluateKRsStableScore(t *testing.T) {
	pack := newPack(t)
	ctx := context.Background()

	obj, err := pack.store.CreateObjective(ctx, types.Objective{
		UserID: pack.user.ID, Title: "health", Level: types.ObjectiveYearly, Year: 2025,
	})
	require.NoError(t, err)
	kr, err := pack.store.CreateKeyResult(ctx, pack.user.ID, types.KeyResult{
		ObjectiveID:       obj.ID,
		Title:             "steady",
		Score:             0.5,
		MeasurementType:   types.MeasurementCustomQuery,
		ProgressQueryCode: `progress.set(1, 2);`,
	})
	require.NoError(t, err)

	sub, err := pack.events.Subscribe(pack.user.ID)
	require.NoError(t, err)
	defer sub.Close()

	results, err := pack.executor.EvaluateKRs(ctx, pack.user.ID, []string{kr.ID})
	require.NoError(t, err)
	require.NotNil(t, results[kr.ID].Score)
	require.Equal(t, 0.5, *results[kr.ID].Score)

	// an unchanged score publishes no change event
	select {
	case evt := <-sub.Events():
		t.Fatalf("unexpected event %v", evt.Tag)
	default:
	}
}

func TestEvaluateKRSavedQueryReference(t *testing.T) {
	pack := newPack(t)
	ctx := context.Background()

	saved, err := pack.store.CreateSavedQuery(ctx, types.SavedQuery{
		UserID:    pack.user.ID,
		Name:      "kr progress",
		Code:      `progress.set(3, 4);`,
		QueryType: types.QueryKRProgress,
	})
	require.NoError(t, err)

	obj, err := pack.store.CreateObjective(ctx, types.Objective{
		UserID: pack.user.ID, Title: "health", Level: types.ObjectiveYearly, Year: 2025,
	})
	require.NoError(t, err)
	kr, err := pack.store.CreateKeyResult(ctx, pack.user.ID, types.KeyResult{
		ObjectiveID:     obj.ID,
		Title:           "by reference",
		MeasurementType: types.MeasurementCustomQuery,
		ProgressQueryID: saved.ID,
	})
	require.NoError(t, err)

	results, err := pack.executor.EvaluateKRs(ctx, pack.user.ID, []string{kr.ID})
	require.NoError(t, err)
	require.NotNil(t, results[kr.ID].Score)
	require.Equal(t, 0.75, *results[kr.ID].Score)
}
