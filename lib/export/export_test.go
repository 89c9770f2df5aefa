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

package export

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/goalpost-dev/goalpost/lib/storage"
	"github.com/goalpost-dev/goalpost/lib/types"
)

type exportPack struct {
	clock *clockwork.FakeClock
	store *storage.Storage
	svc   *Service
}

func newExportPack(t *testing.T) *exportPack {
	t.Helper()
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC))

	store, err := storage.New(ctx, storage.Config{
		Path:  filepath.Join(t.TempDir(), "goalpost.db"),
		Clock: clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	svc, err := New(Config{Store: store, Clock: clock})
	require.NoError(t, err)

	return &exportPack{clock: clock, store: store, svc: svc}
}

// seedAccount fills one user with a row of every archived kind and returns
// the ids of a second user referenced by the social rows.
func seedAccount(t *testing.T, pack *exportPack, userID, friendID string) {
	t.Helper()
	ctx := context.Background()
	store := pack.store

	period, err := store.GetOrCreatePeriod(ctx, userID, types.PeriodScope{
		Type: types.PeriodWeekly, Year: 2025, Week: 11,
	})
	require.NoError(t, err)

	tag, err := store.CreateTag(ctx, types.Tag{UserID: userID, Name: "deep-work", Color: "#336699"})
	require.NoError(t, err)

	query, err := store.CreateSavedQuery(ctx, types.SavedQuery{
		UserID:    userID,
		Name:      "kr progress",
		Code:      "progress.set(1, 2);",
		QueryType: types.QueryKRProgress,
	})
	require.NoError(t, err)

	yearly, err := store.CreateObjective(ctx, types.Objective{
		UserID: userID, Level: types.ObjectiveYearly, Year: 2025, Title: "Ship it", Weight: 1,
	})
	require.NoError(t, err)
	_, err = store.CreateObjective(ctx, types.Objective{
		UserID: userID, Level: types.ObjectiveMonthly, Year: 2025, Month: 3,
		Title: "March push", Weight: 1, ParentID: yearly.ID,
	})
	require.NoError(t, err)
	_, err = store.CreateKeyResult(ctx, userID, types.KeyResult{
		ObjectiveID:     yearly.ID,
		Title:           "Scripted progress",
		MeasurementType: types.MeasurementCustomQuery,
		ProgressQueryID: query.ID,
		Score:           0.5,
	})
	require.NoError(t, err)

	_, err = store.CreateTask(ctx, userID, types.Task{
		PeriodID:   period.ID,
		Title:      "Write tests",
		Attributes: map[string]string{"expected_hours": "2.5"},
		TagIDs:     []string{tag.ID},
	})
	require.NoError(t, err)

	_, err = store.CreateWidget(ctx, types.DashboardWidget{
		UserID: userID, Title: "Progress", WidgetType: "query",
		Config: json.RawMessage(`{"queryName":"kr progress"}`), Page: "dashboard",
	})
	require.NoError(t, err)

	_, err = store.CreateTemplate(ctx, types.MetricsTemplate{
		UserID: userID, Name: "Daily", EffectiveFrom: "2025-01-01",
		Metrics: []types.MetricDefinition{
			{Name: "mood", Label: "Mood", Type: types.MetricInput, InputType: types.InputNumber},
		},
	})
	require.NoError(t, err)

	_, err = store.UpsertMetricValue(ctx, types.DailyMetricValue{
		UserID: userID, Date: "2025-03-14", MetricName: "mood", Value: 7.0, Source: "manual",
	})
	require.NoError(t, err)
	_, err = store.UpsertMetricValue(ctx, types.DailyMetricValue{
		UserID: userID, Date: "2025-03-14", MetricName: "fitbit.sleep", Value: "07:30", Source: "fitbit",
	})
	require.NoError(t, err)

	_, err = store.UpsertPluginConnection(ctx, types.PluginConnection{
		UserID: userID, PluginID: "fitbit", Enabled: true,
		Credentials: types.PluginCredentials{
			AccessToken:  "at-1",
			RefreshToken: "rt-1",
			ExpiresAt:    pack.clock.Now().Add(time.Hour).Unix(),
		},
	})
	require.NoError(t, err)

	_, err = store.CreateReflection(ctx, types.Reflection{UserID: userID, Date: "2025-03-14", Content: "Went well."})
	require.NoError(t, err)
	_, err = store.CreatePrinciple(ctx, types.Principle{UserID: userID, Title: "Start small"})
	require.NoError(t, err)
	_, err = store.CreatePersonalValue(ctx, types.PersonalValue{UserID: userID, Title: "Craft"})
	require.NoError(t, err)

	_, err = store.CreateFriendship(ctx, types.Friendship{UserID: userID, FriendUserID: friendID})
	require.NoError(t, err)
	_, err = store.CreateFriendRequest(ctx, types.FriendRequest{
		FromUserID: userID, ToUserID: friendID, Status: types.FriendRequestPending,
	})
	require.NoError(t, err)
}

func TestExportImportRoundTrip(t *testing.T) {
	pack := newExportPack(t)
	ctx := context.Background()

	ada, err := pack.store.CreateUser(ctx, types.User{Username: "ada"})
	require.NoError(t, err)
	grace, err := pack.store.CreateUser(ctx, types.User{Username: "grace"})
	require.NoError(t, err)
	seedAccount(t, pack, ada.ID, grace.ID)

	archive, err := pack.svc.Export(ctx, ada.ID)
	require.NoError(t, err)
	require.Equal(t, SchemaVersion, archive.SchemaVersion)
	require.Equal(t, ada.ID, archive.UserID)
	require.Equal(t, "ada", archive.Username)
	require.Equal(t, pack.clock.Now().UTC(), archive.ExportedAt)
	require.Len(t, archive.Periods, 1)
	require.Len(t, archive.Tags, 1)
	require.Len(t, archive.Tasks, 1)
	require.Len(t, archive.Objectives, 2)
	require.Len(t, archive.SavedQueries, 1)
	require.Len(t, archive.Widgets, 1)
	require.Len(t, archive.Templates, 1)
	require.Len(t, archive.MetricValues, 2)
	require.Len(t, archive.Connections, 1)
	require.Len(t, archive.Reflections, 1)
	require.Len(t, archive.Principles, 1)
	require.Len(t, archive.PersonalValues, 1)
	require.Len(t, archive.Friendships, 1)
	require.Len(t, archive.FriendRequests, 1)

	data, err := json.Marshal(archive)
	require.NoError(t, err)

	ben, err := pack.store.CreateUser(ctx, types.User{Username: "ben"})
	require.NoError(t, err)
	summary, err := pack.svc.Import(ctx, ben.ID, bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, 17, summary.Imported)
	require.Equal(t, 0, summary.Skipped)

	periods, err := pack.store.ListPeriods(ctx, ben.ID, "")
	require.NoError(t, err)
	require.Len(t, periods, 1)
	require.Equal(t, types.PeriodWeekly, periods[0].Type)
	require.Equal(t, 2025, periods[0].Year)
	require.Equal(t, 11, periods[0].Week)
	require.NotEqual(t, archive.Periods[0].ID, periods[0].ID)

	tags, err := pack.store.ListTags(ctx, ben.ID)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	require.Equal(t, "deep-work", tags[0].Name)

	queries, err := pack.store.ListSavedQueries(ctx, ben.ID, "")
	require.NoError(t, err)
	require.Len(t, queries, 1)
	require.Equal(t, "progress.set(1, 2);", queries[0].Code)

	objectives, err := pack.store.ListObjectives(ctx, ben.ID, storage.ObjectiveFilter{})
	require.NoError(t, err)
	require.Len(t, objectives, 2)
	byTitle := make(map[string]types.Objective, len(objectives))
	for _, obj := range objectives {
		byTitle[obj.Title] = obj
	}
	yearly := byTitle["Ship it"]
	monthly := byTitle["March push"]
	require.Equal(t, yearly.ID, monthly.ParentID)
	require.Len(t, yearly.KeyResults, 1)
	require.Equal(t, 0.5, yearly.KeyResults[0].Score)
	require.Equal(t, queries[0].ID, yearly.KeyResults[0].ProgressQueryID)

	tasks, err := pack.store.ListTasks(ctx, ben.ID, storage.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, periods[0].ID, tasks[0].PeriodID)
	require.Equal(t, []string{tags[0].ID}, tasks[0].TagIDs)
	require.Equal(t, "2.5", tasks[0].Attributes["expected_hours"])

	values, err := pack.store.ListMetricValues(ctx, ben.ID)
	require.NoError(t, err)
	require.Len(t, values, 2)
	byMetric := make(map[string]any, len(values))
	for _, v := range values {
		byMetric[v.MetricName] = v.Value
	}
	require.Equal(t, 7.0, byMetric["mood"])
	require.Equal(t, "07:30", byMetric["fitbit.sleep"])

	conn, err := pack.store.GetPluginConnection(ctx, ben.ID, "fitbit")
	require.NoError(t, err)
	require.True(t, conn.Enabled)
	require.Equal(t, "at-1", conn.Credentials.AccessToken)

	friendships, err := pack.store.ListFriendships(ctx, ben.ID)
	require.NoError(t, err)
	require.Len(t, friendships, 1)
	require.Equal(t, grace.ID, friendships[0].FriendUserID)

	requests, err := pack.store.ListFriendRequests(ctx, ben.ID)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	require.Equal(t, ben.ID, requests[0].FromUserID)
	require.Equal(t, grace.ID, requests[0].ToUserID)

	// The source account is untouched.
	adaTags, err := pack.store.ListTags(ctx, ada.ID)
	require.NoError(t, err)
	require.Len(t, adaTags, 1)
}

func TestImportSkipsUnknownFriends(t *testing.T) {
	pack := newExportPack(t)
	ctx := context.Background()

	ben, err := pack.store.CreateUser(ctx, types.User{Username: "ben"})
	require.NoError(t, err)

	archive := Archive{
		SchemaVersion: SchemaVersion,
		UserID:        "old-ada",
		Username:      "ada",
		Friendships: []types.Friendship{
			{ID: "f1", UserID: "old-ada", FriendUserID: "long-gone"},
		},
		FriendRequests: []types.FriendRequest{
			{ID: "r1", FromUserID: "old-ada", ToUserID: "long-gone", Status: types.FriendRequestPending},
		},
	}
	data, err := json.Marshal(archive)
	require.NoError(t, err)

	summary, err := pack.svc.Import(ctx, ben.ID, bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, 0, summary.Imported)
	require.Equal(t, 2, summary.Skipped)
}

func TestImportRejectsVersionMismatch(t *testing.T) {
	pack := newExportPack(t)
	ctx := context.Background()

	ben, err := pack.store.CreateUser(ctx, types.User{Username: "ben"})
	require.NoError(t, err)

	_, err = pack.svc.Import(ctx, ben.ID, strings.NewReader(`{"schemaVersion": 99, "userId": "x", "username": "ada"}`))
	require.True(t, trace.IsBadParameter(err), "expected bad parameter, got %v", err)
	require.Contains(t, err.Error(), "schema version")
}

func TestImportRejectsUnknownFields(t *testing.T) {
	pack := newExportPack(t)
	ctx := context.Background()

	ben, err := pack.store.CreateUser(ctx, types.User{Username: "ben"})
	require.NoError(t, err)

	_, err = pack.svc.Import(ctx, ben.ID, strings.NewReader(`{"schemaVersion": 1, "futureField": true}`))
	require.True(t, trace.IsBadParameter(err), "expected bad parameter, got %v", err)

	_, err = pack.svc.Import(ctx, ben.ID, strings.NewReader(`{"schemaVersion": 1, "userId": "x", "username": "ada"} {}`))
	require.True(t, trace.IsBadParameter(err), "expected bad parameter, got %v", err)
}

func TestImportRollsBackOnBadReference(t *testing.T) {
	pack := newExportPack(t)
	ctx := context.Background()

	ben, err := pack.store.CreateUser(ctx, types.User{Username: "ben"})
	require.NoError(t, err)

	archive := Archive{
		SchemaVersion: SchemaVersion,
		UserID:        "old-ada",
		Username:      "ada",
		Tags: []types.Tag{
			{ID: "t1", UserID: "old-ada", Name: "keep"},
		},
		Tasks: []types.Task{
			{ID: "x1", PeriodID: "missing-period", Title: "Orphan"},
		},
	}
	data, err := json.Marshal(archive)
	require.NoError(t, err)

	_, err = pack.svc.Import(ctx, ben.ID, bytes.NewReader(data))
	require.True(t, trace.IsBadParameter(err), "expected bad parameter, got %v", err)

	// The tag row written before the failing task must be rolled back.
	tags, err := pack.store.ListTags(ctx, ben.ID)
	require.NoError(t, err)
	require.Empty(t, tags)
}
