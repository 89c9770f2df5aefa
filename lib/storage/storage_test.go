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

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/goalpost-dev/goalpost/lib/types"
)

func newStorage(t *testing.T) (*Storage, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC))
	store, err := New(context.Background(), Config{
		Path:  filepath.Join(t.TempDir(), "goalpost.db"),
		Clock: clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store, clock
}

func newTestUser(t *testing.T, store *Storage, username string) types.User {
	t.Helper()
	user, err := store.CreateUser(context.Background(), types.User{Username: username})
	require.NoError(t, err)
	return user
}

func TestUserCRUD(t *testing.T) {
	store, _ := newStorage(t)
	ctx := context.Background()

	user := newTestUser(t, store, "ada")
	require.NotEmpty(t, user.ID)
	require.Equal(t, types.WeekStartSunday, user.WeekStartDay)

	_, err := store.CreateUser(ctx, types.User{Username: "ada"})
	require.True(t, trace.IsAlreadyExists(err))

	got, err := store.GetUserByUsername(ctx, "ada")
	require.NoError(t, err)
	require.Equal(t, user.ID, got.ID)

	got.Disabled = true
	got.WeekStartDay = types.WeekStartMonday
	updated, err := store.UpdateUser(ctx, got)
	require.NoError(t, err)
	require.True(t, updated.Disabled)
	require.Equal(t, types.WeekStartMonday, updated.WeekStartDay)

	require.NoError(t, store.DeleteUser(ctx, user.ID))
	_, err = store.GetUser(ctx, user.ID)
	require.True(t, trace.IsNotFound(err))
}

func TestGetOrCreatePeriod(t *testing.T) {
	store, _ := newStorage(t)
	ctx := context.Background()
	user := newTestUser(t, store, "ada")

	scope := types.PeriodScope{Type: types.PeriodWeekly, Year: 2025, Week: 11}
	first, err := store.GetOrCreatePeriod(ctx, user.ID, scope)
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	second, err := store.GetOrCreatePeriod(ctx, user.ID, scope)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	// A different user gets a different period for the same scope.
	other := newTestUser(t, store, "grace")
	theirs, err := store.GetOrCreatePeriod(ctx, other.ID, scope)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, theirs.ID)

	_, err = store.GetOrCreatePeriod(ctx, user.ID, types.PeriodScope{Type: "fortnightly", Year: 2025})
	require.True(t, trace.IsBadParameter(err))
}

func TestTaskLifecycle(t *testing.T) {
	store, _ := newStorage(t)
	ctx := context.Background()
	user := newTestUser(t, store, "ada")

	period, err := store.GetOrCreatePeriod(ctx, user.ID,
		types.PeriodScope{Type: types.PeriodWeekly, Year: 2025, Week: 11})
	require.NoError(t, err)

	tag, err := store.CreateTag(ctx, types.Tag{UserID: user.ID, Name: "deep-work"})
	require.NoError(t, err)

	task, err := store.CreateTask(ctx, user.ID, types.Task{
		PeriodID:   period.ID,
		Title:      "write proposal",
		Attributes: map[string]string{types.AttrExpectedHours: "4"},
		TagIDs:     []string{tag.ID},
	})
	require.NoError(t, err)

	got, err := store.GetTask(ctx, user.ID, task.ID)
	require.NoError(t, err)
	require.Equal(t, "write proposal", got.Title)
	require.Equal(t, map[string]string{types.AttrExpectedHours: "4"}, got.Attributes)
	require.Equal(t, []string{tag.ID}, got.TagIDs)
	hours, ok := got.NumberAttribute(types.AttrExpectedHours)
	require.True(t, ok)
	require.Equal(t, 4.0, hours)

	// Filtered listing by period scope.
	tasks, err := store.ListTasks(ctx, user.ID, TaskFilter{PeriodType: types.PeriodWeekly, Year: 2025, Week: 11})
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	tasks, err = store.ListTasks(ctx, user.ID, TaskFilter{Year: 2024})
	require.NoError(t, err)
	require.Empty(t, tasks)

	got.Completed = true
	now := store.now()
	got.CompletedAt = &now
	updated, err := store.UpdateTask(ctx, user.ID, got)
	require.NoError(t, err)
	require.True(t, updated.Completed)
	require.NotNil(t, updated.CompletedAt)

	// Another user cannot see or delete the task.
	other := newTestUser(t, store, "grace")
	_, err = store.GetTask(ctx, other.ID, task.ID)
	require.True(t, trace.IsNotFound(err))
	err = store.DeleteTask(ctx, other.ID, task.ID)
	require.True(t, trace.IsNotFound(err))

	require.NoError(t, store.DeleteTask(ctx, user.ID, task.ID))
}

func TestTaskTimer(t *testing.T) {
	store, clock := newStorage(t)
	ctx := context.Background()
	user := newTestUser(t, store, "ada")

	period, err := store.GetOrCreatePeriod(ctx, user.ID,
		types.PeriodScope{Type: types.PeriodDaily, Year: 2025, Month: 3, Day: 14})
	require.NoError(t, err)

	task, err := store.CreateTask(ctx, user.ID, types.Task{
		PeriodID:    period.ID,
		Title:       "focus block",
		TimeSpentMs: 60_000,
	})
	require.NoError(t, err)

	started, err := store.StartTaskTimer(ctx, user.ID, task.ID)
	require.NoError(t, err)
	require.True(t, started.TimerRunning())

	// Starting an already running timer is a conflict.
	_, err = store.StartTaskTimer(ctx, user.ID, task.ID)
	require.True(t, trace.IsCompareFailed(err))

	clock.Advance(2 * time.Second)

	stopped, err := store.StopTaskTimer(ctx, user.ID, task.ID)
	require.NoError(t, err)
	require.False(t, stopped.TimerRunning())
	require.Nil(t, stopped.TimerStartedAt)
	require.Equal(t, int64(62_000), stopped.TimeSpentMs)

	// Stopping a stopped timer is a conflict; an immediate restart works.
	_, err = store.StopTaskTimer(ctx, user.ID, task.ID)
	require.True(t, trace.IsCompareFailed(err))
	restarted, err := store.StartTaskTimer(ctx, user.ID, task.ID)
	require.NoError(t, err)
	require.True(t, restarted.TimerRunning())
}

func TestObjectivesAndKeyResults(t *testing.T) {
	store, _ := newStorage(t)
	ctx := context.Background()
	user := newTestUser(t, store, "ada")

	obj, err := store.CreateObjective(ctx, types.Objective{
		UserID: user.ID,
		Level:  types.ObjectiveYearly,
		Year:   2025,
		Title:  "get stronger",
	})
	require.NoError(t, err)
	require.Equal(t, 1.0, obj.Weight)

	kr, err := store.CreateKeyResult(ctx, user.ID, types.KeyResult{
		ObjectiveID:     obj.ID,
		Title:           "train 3x weekly",
		MeasurementType: types.MeasurementCheckboxes,
		CheckboxItems: []types.CheckboxItem{
			{ID: "a", Label: "week 1", Completed: true},
			{ID: "b", Label: "week 2"},
		},
	})
	require.NoError(t, err)

	got, err := store.GetObjective(ctx, user.ID, obj.ID)
	require.NoError(t, err)
	require.Len(t, got.KeyResults, 1)
	require.Equal(t, kr.ID, got.KeyResults[0].ID)
	require.Len(t, got.KeyResults[0].CheckboxItems, 2)

	require.NoError(t, store.UpdateKeyResultScore(ctx, user.ID, kr.ID, 0.5))
	fresh, err := store.GetKeyResult(ctx, user.ID, kr.ID)
	require.NoError(t, err)
	require.Equal(t, 0.5, fresh.Score)

	err = store.UpdateKeyResultScore(ctx, user.ID, kr.ID, 1.5)
	require.True(t, trace.IsBadParameter(err))

	listed, err := store.ListObjectives(ctx, user.ID, ObjectiveFilter{Level: types.ObjectiveYearly, Year: 2025})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Len(t, listed[0].KeyResults, 1)

	require.NoError(t, store.DeleteObjective(ctx, user.ID, obj.ID))
	_, err = store.GetKeyResult(ctx, user.ID, kr.ID)
	require.True(t, trace.IsNotFound(err))
}

func TestMetricValues(t *testing.T) {
	store, _ := newStorage(t)
	ctx := context.Background()
	user := newTestUser(t, store, "ada")

	for _, v := range []types.DailyMetricValue{
		{UserID: user.ID, Date: "2025-03-14", MetricName: "sleep", Value: "07:30"},
		{UserID: user.ID, Date: "2025-03-14", MetricName: "steps", Value: 10234.0, Source: "fitbit"},
		{UserID: user.ID, Date: "2025-03-14", MetricName: "workout", Value: true},
	} {
		_, err := store.UpsertMetricValue(ctx, v)
		require.NoError(t, err)
	}

	values, err := store.GetMetricValues(ctx, user.ID, "2025-03-14")
	require.NoError(t, err)
	require.Len(t, values, 3)

	byName := map[string]types.DailyMetricValue{}
	for _, v := range values {
		byName[v.MetricName] = v
	}
	require.Equal(t, "07:30", byName["sleep"].Value)
	require.Equal(t, types.MetricSourceUser, byName["sleep"].Source)
	require.Equal(t, 10234.0, byName["steps"].Value)
	require.Equal(t, "fitbit", byName["steps"].Source)
	require.Equal(t, true, byName["workout"].Value)

	// Upsert replaces in place.
	_, err = store.UpsertMetricValue(ctx, types.DailyMetricValue{
		UserID: user.ID, Date: "2025-03-14", MetricName: "sleep", Value: "08:00",
	})
	require.NoError(t, err)
	values, err = store.GetMetricValues(ctx, user.ID, "2025-03-14")
	require.NoError(t, err)
	require.Len(t, values, 3)

	ranged, err := store.ListMetricValuesRange(ctx, user.ID, "2025-03-01", "2025-03-31")
	require.NoError(t, err)
	require.Len(t, ranged, 3)

	ranged, err = store.ListMetricValuesRange(ctx, user.ID, "2025-04-01", "2025-04-30")
	require.NoError(t, err)
	require.Empty(t, ranged)
}

func TestActiveTemplate(t *testing.T) {
	store, _ := newStorage(t)
	ctx := context.Background()
	user := newTestUser(t, store, "ada")

	metrics := []types.MetricDefinition{
		{Name: "sleep", Label: "Sleep", Type: types.MetricInput, InputType: types.InputTime},
	}
	jan, err := store.CreateTemplate(ctx, types.MetricsTemplate{
		UserID: user.ID, Name: "v1", EffectiveFrom: "2025-01-01", Metrics: metrics,
	})
	require.NoError(t, err)
	mar, err := store.CreateTemplate(ctx, types.MetricsTemplate{
		UserID: user.ID, Name: "v2", EffectiveFrom: "2025-03-01", Metrics: metrics,
	})
	require.NoError(t, err)

	active, err := store.ActiveTemplate(ctx, user.ID, "2025-02-15")
	require.NoError(t, err)
	require.Equal(t, jan.ID, active.ID)

	active, err = store.ActiveTemplate(ctx, user.ID, "2025-03-01")
	require.NoError(t, err)
	require.Equal(t, mar.ID, active.ID)

	_, err = store.ActiveTemplate(ctx, user.ID, "2024-12-31")
	require.True(t, trace.IsNotFound(err))
}

func TestExecutionLog(t *testing.T) {
	store, clock := newStorage(t)
	ctx := context.Background()
	user := newTestUser(t, store, "ada")

	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	first, err := store.RecordExecution(ctx, types.ExecutionLog{
		UserID:          user.ID,
		CodeSnippet:     string(long),
		Success:         true,
		ExecutionTimeMs: 12,
	})
	require.NoError(t, err)
	require.LessOrEqual(t, len(first.CodeSnippet), 2048)

	clock.Advance(time.Minute)
	_, err = store.RecordExecution(ctx, types.ExecutionLog{
		UserID: user.ID, CodeSnippet: "progress.set(1, 2)", Success: false, ErrorMessage: "boom",
	})
	require.NoError(t, err)

	entries, err := store.ListExecutions(ctx, ExecutionFilter{UserID: user.ID})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Most recent first.
	require.False(t, entries[0].Success)
	require.True(t, entries[1].Success)

	page, err := store.ListExecutions(ctx, ExecutionFilter{UserID: user.ID, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)

	older, err := store.ListExecutions(ctx, ExecutionFilter{UserID: user.ID, Before: entries[0].CreatedAt})
	require.NoError(t, err)
	require.Len(t, older, 1)
	require.Equal(t, first.ID, older[0].ID)
}

func TestPluginConnections(t *testing.T) {
	store, _ := newStorage(t)
	ctx := context.Background()
	user := newTestUser(t, store, "ada")

	conn, err := store.UpsertPluginConnection(ctx, types.PluginConnection{
		UserID:   user.ID,
		PluginID: "fitbit",
		Enabled:  true,
		Credentials: types.PluginCredentials{
			AccessToken:  "tok-1",
			RefreshToken: "ref-1",
			ExpiresAt:    store.now().Add(time.Hour).Unix(),
		},
	})
	require.NoError(t, err)
	require.Equal(t, "tok-1", conn.Credentials.AccessToken)

	require.NoError(t, store.UpdatePluginCredentials(ctx, user.ID, "fitbit", types.PluginCredentials{
		AccessToken: "tok-2", RefreshToken: "ref-2",
	}))
	conn, err = store.GetPluginConnection(ctx, user.ID, "fitbit")
	require.NoError(t, err)
	require.Equal(t, "tok-2", conn.Credentials.AccessToken)

	syncable, err := store.ListSyncableConnections(ctx)
	require.NoError(t, err)
	require.Len(t, syncable, 1)

	// Disabled connections and disabled users drop out of the sync set.
	require.NoError(t, store.SetPluginEnabled(ctx, user.ID, "fitbit", false))
	syncable, err = store.ListSyncableConnections(ctx)
	require.NoError(t, err)
	require.Empty(t, syncable)

	require.NoError(t, store.SetPluginEnabled(ctx, user.ID, "fitbit", true))
	user.Disabled = true
	_, err = store.UpdateUser(ctx, user)
	require.NoError(t, err)
	syncable, err = store.ListSyncableConnections(ctx)
	require.NoError(t, err)
	require.Empty(t, syncable)

	require.NoError(t, store.DeletePluginConnection(ctx, user.ID, "fitbit"))
	_, err = store.GetPluginConnection(ctx, user.ID, "fitbit")
	require.True(t, trace.IsNotFound(err))
}

func TestConfigEntries(t *testing.T) {
	store, _ := newStorage(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertConfigEntries(ctx, []types.ConfigEntry{
		{Key: "global.base_url", Value: "https://goals.example.com"},
		{Key: "plugin.fitbit.client_secret", Value: "hunter2", IsSecret: true},
	}))

	entry, err := store.GetConfigEntry(ctx, "global.base_url")
	require.NoError(t, err)
	require.Equal(t, "https://goals.example.com", entry.Value)

	_, err = store.GetConfigEntry(ctx, "global.missing")
	require.True(t, trace.IsNotFound(err))

	require.NoError(t, store.UpsertConfigEntries(ctx, []types.ConfigEntry{
		{Key: "global.base_url", Value: "https://goals.internal"},
	}))
	entry, err = store.GetConfigEntry(ctx, "global.base_url")
	require.NoError(t, err)
	require.Equal(t, "https://goals.internal", entry.Value)

	entries, err := store.ListConfigEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	err = store.UpsertConfigEntries(ctx, []types.ConfigEntry{{Key: "bogus", Value: "x"}})
	require.True(t, trace.IsBadParameter(err))
}

func TestUserDeletionCascades(t *testing.T) {
	store, _ := newStorage(t)
	ctx := context.Background()
	user := newTestUser(t, store, "ada")

	period, err := store.GetOrCreatePeriod(ctx, user.ID,
		types.PeriodScope{Type: types.PeriodYearly, Year: 2025})
	require.NoError(t, err)
	task, err := store.CreateTask(ctx, user.ID, types.Task{PeriodID: period.ID, Title: "t"})
	require.NoError(t, err)
	_, err = store.UpsertMetricValue(ctx, types.DailyMetricValue{
		UserID: user.ID, Date: "2025-03-14", MetricName: "sleep", Value: "07:30",
	})
	require.NoError(t, err)

	require.NoError(t, store.DeleteUser(ctx, user.ID))

	// Recreate the same username; none of the old rows may resurface.
	again := newTestUser(t, store, "ada")
	tasks, err := store.ListTasks(ctx, again.ID, TaskFilter{})
	require.NoError(t, err)
	require.Empty(t, tasks)
	values, err := store.GetMetricValues(ctx, again.ID, "2025-03-14")
	require.NoError(t, err)
	require.Empty(t, values)
	_, err = store.GetTask(ctx, again.ID, task.ID)
	require.True(t, trace.IsNotFound(err))
}

func TestSessions(t *testing.T) {
	store, clock := newStorage(t)
	ctx := context.Background()
	user := newTestUser(t, store, "ada")

	session, err := store.CreateSession(ctx, types.Session{
		UserID:    user.ID,
		Token:     "bearer-token-1",
		ExpiresAt: clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	got, err := store.GetSessionByToken(ctx, "bearer-token-1")
	require.NoError(t, err)
	require.Equal(t, session.ID, got.ID)
	require.False(t, got.Expired(clock.Now()))

	clock.Advance(2 * time.Hour)
	require.True(t, got.Expired(clock.Now()))

	_, err = store.GetSessionByToken(ctx, "nope")
	require.True(t, trace.IsNotFound(err))
}
