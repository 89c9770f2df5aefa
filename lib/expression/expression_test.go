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

package expression

import (
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	env := map[string]any{
		"sleep":    "07:30",
		"steps":    10234.0,
		"mood":     "good",
		"workout":  true,
		"calories": nil,
	}

	tests := []struct {
		name string
		expr string
		want any
	}{
		{name: "arithmetic", expr: "1 + 2 * 3", want: 7.0},
		{name: "parens", expr: "(1 + 2) * 3", want: 9.0},
		{name: "division", expr: "parseTime(sleep) / 60", want: 7.5},
		{name: "modulo", expr: "10 % 3", want: 1.0},
		{name: "unary minus", expr: "-steps + steps", want: 0.0},
		{name: "comparison", expr: "steps >= 10000", want: true},
		{name: "string comparison", expr: "mood == 'good'", want: true},
		{name: "ternary", expr: "steps >= 10000 ? 1 : 0", want: 1.0},
		{name: "nested ternary", expr: "steps > 20000 ? 2 : steps > 10000 ? 1 : 0", want: 1.0},
		{name: "logic", expr: "workout && steps > 100", want: true},
		{name: "not", expr: "!workout", want: false},
		{name: "min max", expr: "min(steps, 10000) + max(1, 2, 3)", want: 10003.0},
		{name: "round floor ceil abs", expr: "round(1.5) + floor(1.9) + ceil(1.1) + abs(0 - 1)", want: 5.0},
		{name: "missing ref is null", expr: "nothere", want: nil},
		{name: "null arithmetic propagates", expr: "calories + 10", want: nil},
		{name: "null comparison propagates", expr: "calories > 10", want: nil},
		{name: "null function arg propagates", expr: "round(calories)", want: nil},
		{name: "null ternary condition propagates", expr: "calories > 10 ? 1 : 0", want: nil},
		{name: "null equality", expr: "calories == null", want: true},
		{name: "null inequality", expr: "steps != null", want: true},
		{name: "false shortcircuits null", expr: "false && calories > 0", want: false},
		{name: "true shortcircuits null", expr: "true || calories > 0", want: true},
		{name: "null and true is null", expr: "calories > 0 && true", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, err := Parse(tt.expr)
			require.NoError(t, err)
			got, err := expr.Evaluate(env)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateErrors(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{name: "string arithmetic", expr: "mood + 1"},
		{name: "division by zero", expr: "1 / 0"},
		{name: "modulo by zero", expr: "1 % 0"},
		{name: "bool ordering", expr: "workout > workout"},
		{name: "mixed ordering", expr: "mood > 1"},
		{name: "non-bool condition", expr: "steps ? 1 : 0"},
		{name: "non-bool logic", expr: "steps && workout"},
		{name: "parseTime of number", expr: "parseTime(steps)"},
	}
	env := map[string]any{"mood": "good", "steps": 1.0, "workout": true}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, err := Parse(tt.expr)
			require.NoError(t, err)
			_, err = expr.Evaluate(env)
			require.Error(t, err)
			require.True(t, trace.IsBadParameter(err))
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{name: "empty", expr: "   "},
		{name: "dangling operator", expr: "1 +"},
		{name: "unbalanced parens", expr: "(1 + 2"},
		{name: "unknown function", expr: "median(1, 2)"},
		{name: "too many args", expr: "abs(1, 2)"},
		{name: "too few args", expr: "min()"},
		{name: "missing colon", expr: "true ? 1"},
		{name: "unterminated string", expr: "'oops"},
		{name: "stray character", expr: "1 @ 2"},
		{name: "trailing garbage", expr: "1 + 2 3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.expr)
			require.Error(t, err)
			require.True(t, trace.IsBadParameter(err))
		})
	}
}

func TestRefs(t *testing.T) {
	expr, err := Parse("parseTime(sleep) / 60 + min(steps, sleep) > goal ? bonus : 0")
	require.NoError(t, err)
	require.Equal(t, []string{"sleep", "steps", "goal", "bonus"}, expr.Refs())

	expr, err = Parse("1 + 2")
	require.NoError(t, err)
	require.Empty(t, expr.Refs())

	// Dotted references resolve as single names.
	expr, err = Parse("fitbit.steps * 2")
	require.NoError(t, err)
	require.Equal(t, []string{"fitbit.steps"}, expr.Refs())
}

func TestParseClock(t *testing.T) {
	minutes, err := ParseClock("07:30")
	require.NoError(t, err)
	require.Equal(t, 450.0, minutes)

	minutes, err = ParseClock("00:00")
	require.NoError(t, err)
	require.Zero(t, minutes)

	// Durations past midnight are allowed.
	minutes, err = ParseClock("25:15")
	require.NoError(t, err)
	require.Equal(t, 1515.0, minutes)

	for _, bad := range []string{"", "7", "7:60", "aa:bb", "1:2:3", "-1:00"} {
		_, err := ParseClock(bad)
		require.Error(t, err, "expected %q to fail", bad)
	}
}
