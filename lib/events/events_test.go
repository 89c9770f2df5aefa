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

package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishFanout(t *testing.T) {
	b, err := NewBroadcaster(Config{QueueSize: 4})
	require.NoError(t, err)
	defer b.Close()

	ada1, err := b.Subscribe("ada")
	require.NoError(t, err)
	ada2, err := b.Subscribe("ada")
	require.NoError(t, err)
	grace, err := b.Subscribe("grace")
	require.NoError(t, err)

	b.Publish("ada", TagTasks, TagMetrics)

	for _, sub := range []*Subscription{ada1, ada2} {
		require.Equal(t, TagTasks, (<-sub.Events()).Tag)
		require.Equal(t, TagMetrics, (<-sub.Events()).Tag)
	}
	select {
	case ev := <-grace.Events():
		t.Fatalf("unexpected event for other user: %v", ev)
	default:
	}
}

func TestPublishOrder(t *testing.T) {
	b, err := NewBroadcaster(Config{QueueSize: 8})
	require.NoError(t, err)
	defer b.Close()

	sub, err := b.Subscribe("ada")
	require.NoError(t, err)

	want := []Tag{TagTasks, TagDaily, TagWeekly, TagObjectives, TagMetrics}
	for _, tag := range want {
		b.Publish("ada", tag)
	}
	for _, tag := range want {
		require.Equal(t, tag, (<-sub.Events()).Tag)
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	b, err := NewBroadcaster(Config{QueueSize: 2})
	require.NoError(t, err)
	defer b.Close()

	slow, err := b.Subscribe("ada")
	require.NoError(t, err)
	require.Equal(t, 1, b.SubscriberCount("ada"))

	// Fill the queue without draining, then overflow it.
	b.Publish("ada", TagTasks)
	b.Publish("ada", TagTasks)
	b.Publish("ada", TagTasks)

	select {
	case <-slow.Done():
	default:
		t.Fatal("expected the slow subscriber to be dropped")
	}
	require.Equal(t, 0, b.SubscriberCount("ada"))

	// Queued events before the drop stay deliverable, then the stream ends.
	var got int
	for range slow.Events() {
		got++
	}
	require.Equal(t, 2, got)

	// Publishing to a user with no subscribers is a no-op.
	b.Publish("ada", TagTasks)
}

func TestSubscriptionClose(t *testing.T) {
	b, err := NewBroadcaster(Config{})
	require.NoError(t, err)
	defer b.Close()

	sub, err := b.Subscribe("ada")
	require.NoError(t, err)
	require.Equal(t, 1, b.SubscriberCount("ada"))

	sub.Close()
	require.Equal(t, 0, b.SubscriberCount("ada"))
	select {
	case <-sub.Done():
	default:
		t.Fatal("expected Done to be closed")
	}

	// Closing twice is fine.
	sub.Close()
}

func TestBroadcasterClose(t *testing.T) {
	b, err := NewBroadcaster(Config{})
	require.NoError(t, err)

	sub, err := b.Subscribe("ada")
	require.NoError(t, err)

	b.Close()
	select {
	case <-sub.Done():
	default:
		t.Fatal("expected subscriptions to end on broadcaster close")
	}

	_, err = b.Subscribe("ada")
	require.Error(t, err)

	// Publish and a second Close after close are no-ops.
	b.Publish("ada", TagTasks)
	b.Close()
}

func TestTagParse(t *testing.T) {
	var tag Tag
	require.NoError(t, tag.Parse("objectives"))
	require.Equal(t, TagObjectives, tag)
	require.Error(t, tag.Parse("everything"))
}
