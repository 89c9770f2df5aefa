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

package limiter

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestAllowWithinLimit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l, err := New(Config{Limit: 30, Window: time.Minute, Clock: clock})
	require.NoError(t, err)

	// Thirty executions inside ten seconds all pass.
	for i := 0; i < 30; i++ {
		require.NoError(t, l.Allow("ada"))
		clock.Advance(time.Second / 3)
	}

	// The thirty-first inside the window is rejected.
	err = l.Allow("ada")
	require.True(t, trace.IsLimitExceeded(err), "expected LimitExceeded, got %v", err)
	require.Equal(t, 30, l.Count("ada"))
}

func TestWindowSlides(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l, err := New(Config{Limit: 2, Window: time.Minute, Clock: clock})
	require.NoError(t, err)

	require.NoError(t, l.Allow("ada"))
	clock.Advance(30 * time.Second)
	require.NoError(t, l.Allow("ada"))
	require.True(t, trace.IsLimitExceeded(l.Allow("ada")))

	// The first event ages out; one slot opens.
	clock.Advance(31 * time.Second)
	require.NoError(t, l.Allow("ada"))
	require.True(t, trace.IsLimitExceeded(l.Allow("ada")))
}

func TestRejectionsDoNotCount(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l, err := New(Config{Limit: 1, Window: time.Minute, Clock: clock})
	require.NoError(t, err)

	require.NoError(t, l.Allow("ada"))
	for i := 0; i < 10; i++ {
		require.True(t, trace.IsLimitExceeded(l.Allow("ada")))
		clock.Advance(time.Second)
	}
	require.Equal(t, 1, l.Count("ada"))

	// Once the single admitted run ages out the user recovers, no matter
	// how many rejected attempts happened meanwhile.
	clock.Advance(time.Minute)
	require.NoError(t, l.Allow("ada"))
}

func TestUsersAreIndependent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l, err := New(Config{Limit: 1, Window: time.Minute, Clock: clock})
	require.NoError(t, err)

	require.NoError(t, l.Allow("ada"))
	require.True(t, trace.IsLimitExceeded(l.Allow("ada")))
	require.NoError(t, l.Allow("grace"))
	require.Equal(t, 1, l.Count("ada"))
	require.Equal(t, 1, l.Count("grace"))
}
