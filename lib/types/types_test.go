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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestWeekNumber(t *testing.T) {
	// January 1 2025 is a Wednesday.
	tests := []struct {
		name      string
		date      string
		weekStart time.Weekday
		want      int
	}{
		{name: "jan 1 sunday start", date: "2025-01-01", weekStart: time.Sunday, want: 1},
		{name: "saturday closes week 1", date: "2025-01-04", weekStart: time.Sunday, want: 1},
		{name: "sunday opens week 2", date: "2025-01-05", weekStart: time.Sunday, want: 2},
		{name: "sunday still week 1 under monday start", date: "2025-01-05", weekStart: time.Monday, want: 1},
		{name: "monday opens week 2 under monday start", date: "2025-01-06", weekStart: time.Monday, want: 2},
		{name: "year end", date: "2025-12-31", weekStart: time.Sunday, want: 53},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			date, err := ParseDate(tt.date)
			require.NoError(t, err)
			require.Equal(t, tt.want, WeekNumber(date, tt.weekStart))
		})
	}
}

func TestScopeForDate(t *testing.T) {
	date, err := ParseDate("2025-03-14")
	require.NoError(t, err)

	scope, err := ScopeForDate(PeriodDaily, date, time.Sunday)
	require.NoError(t, err)
	require.Equal(t, PeriodScope{Type: PeriodDaily, Year: 2025, Month: 3, Day: 14}, scope)
	require.NoError(t, scope.Check())

	scope, err = ScopeForDate(PeriodWeekly, date, time.Monday)
	require.NoError(t, err)
	require.Equal(t, PeriodWeekly, scope.Type)
	require.NotZero(t, scope.Week)
	require.Zero(t, scope.Month)
	require.NoError(t, scope.Check())
}

func TestPeriodScopeCheck(t *testing.T) {
	tests := []struct {
		name    string
		scope   PeriodScope
		wantErr bool
	}{
		{name: "yearly", scope: PeriodScope{Type: PeriodYearly, Year: 2025}},
		{name: "yearly with month", scope: PeriodScope{Type: PeriodYearly, Year: 2025, Month: 2}, wantErr: true},
		{name: "monthly", scope: PeriodScope{Type: PeriodMonthly, Year: 2025, Month: 12}},
		{name: "monthly month out of range", scope: PeriodScope{Type: PeriodMonthly, Year: 2025, Month: 13}, wantErr: true},
		{name: "weekly", scope: PeriodScope{Type: PeriodWeekly, Year: 2025, Week: 7}},
		{name: "weekly with day", scope: PeriodScope{Type: PeriodWeekly, Year: 2025, Week: 7, Day: 3}, wantErr: true},
		{name: "daily", scope: PeriodScope{Type: PeriodDaily, Year: 2025, Month: 3, Day: 14}},
		{name: "missing year", scope: PeriodScope{Type: PeriodDaily, Month: 3, Day: 14}, wantErr: true},
		{name: "unknown type", scope: PeriodScope{Type: "fortnightly", Year: 2025}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.scope.Check()
			if tt.wantErr {
				require.Error(t, err)
				require.True(t, trace.IsBadParameter(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestKeyResultCheckAndSetDefaults(t *testing.T) {
	kr := KeyResult{Title: "ship it", MeasurementType: MeasurementSlider}
	require.NoError(t, kr.CheckAndSetDefaults())
	require.Equal(t, 1.0, kr.Weight)

	kr = KeyResult{Title: "ship it", MeasurementType: MeasurementSlider, Score: 1.5}
	require.True(t, trace.IsBadParameter(kr.CheckAndSetDefaults()))

	kr = KeyResult{
		Title:           "ship it",
		MeasurementType: MeasurementSlider,
		CheckboxItems:   []CheckboxItem{{ID: "a", Label: "a"}},
	}
	require.True(t, trace.IsBadParameter(kr.CheckAndSetDefaults()))

	kr = KeyResult{
		Title:             "ship it",
		MeasurementType:   MeasurementCheckboxes,
		ProgressQueryCode: "progress.set(1, 2)",
	}
	require.True(t, trace.IsBadParameter(kr.CheckAndSetDefaults()))
}

func TestMetricsTemplateCheckAndSetDefaults(t *testing.T) {
	tpl := MetricsTemplate{
		Name:          "health",
		EffectiveFrom: "2025-01-01",
		Metrics: []MetricDefinition{
			{Name: "sleep", Label: "Sleep", Type: MetricInput, InputType: InputTime},
			{Name: "sleepHours", Label: "Sleep hours", Type: MetricComputed, Expression: "parseTime(sleep) / 60"},
			{Name: "steps", Label: "Steps", Type: MetricExternal, Source: "fitbit.steps"},
		},
	}
	require.NoError(t, tpl.CheckAndSetDefaults())

	dup := tpl
	dup.Metrics = append([]MetricDefinition{}, tpl.Metrics...)
	dup.Metrics = append(dup.Metrics, MetricDefinition{Name: "sleep", Label: "again", Type: MetricInput, InputType: InputNumber})
	require.True(t, trace.IsBadParameter(dup.CheckAndSetDefaults()))

	badSource := tpl
	badSource.Metrics = []MetricDefinition{{Name: "x", Label: "x", Type: MetricExternal, Source: "fitbit"}}
	require.True(t, trace.IsBadParameter(badSource.CheckAndSetDefaults()))

	badDate := tpl
	badDate.EffectiveFrom = "01/01/2025"
	require.True(t, trace.IsBadParameter(badDate.CheckAndSetDefaults()))
}

func TestDailyMetricValueCheckAndSetDefaults(t *testing.T) {
	v := DailyMetricValue{Date: "2025-03-14", MetricName: "steps", Value: 10234}
	require.NoError(t, v.CheckAndSetDefaults())
	require.Equal(t, MetricSourceUser, v.Source)
	require.Equal(t, float64(10234), v.Value)

	v = DailyMetricValue{Date: "2025-03-14", MetricName: "mood", Value: map[string]any{"not": "scalar"}}
	require.True(t, trace.IsBadParameter(v.CheckAndSetDefaults()))
}

func TestPluginCredentialsExpiresWithin(t *testing.T) {
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	creds := PluginCredentials{AccessToken: "tok", ExpiresAt: now.Add(30 * time.Second).Unix()}
	require.True(t, creds.ExpiresWithin(now, time.Minute))

	creds.ExpiresAt = now.Add(10 * time.Minute).Unix()
	require.False(t, creds.ExpiresWithin(now, time.Minute))

	creds.ExpiresAt = 0
	require.False(t, creds.ExpiresWithin(now, time.Minute))
}

func TestUserLocation(t *testing.T) {
	u := User{Username: "ada"}
	require.NoError(t, u.CheckAndSetDefaults())
	require.Equal(t, WeekStartSunday, u.WeekStartDay)
	require.Equal(t, time.UTC, u.Location())

	u.Timezone = "America/New_York"
	require.NoError(t, u.CheckAndSetDefaults())
	require.Equal(t, "America/New_York", u.Location().String())

	u.Timezone = "Middle/Nowhere"
	require.True(t, trace.IsBadParameter(u.CheckAndSetDefaults()))
}
