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

// Package events fans data-change notifications out to connected clients.
// Delivery is best-effort at-most-once: every subscriber owns a bounded
// queue and a publisher never blocks on a slow one; when the queue is full
// the subscriber is dropped and must reconnect and re-fetch.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/goalpost-dev/goalpost"
	"github.com/goalpost-dev/goalpost/lib/defaults"
	logutils "github.com/goalpost-dev/goalpost/lib/utils/log"
)

var (
	subscriberGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: goalpost.MetricEventSubscribers,
			Help: "Number of connected event subscribers",
		},
	)
	droppedCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: goalpost.MetricEventSubscribersDropped,
			Help: "Number of event subscribers dropped for falling behind",
		},
	)
)

func init() {
	prometheus.MustRegister(subscriberGauge, droppedCount)
}

// Tag names the slice of a user's data that changed. Clients re-fetch the
// matching views; events carry no payload beyond the tag.
type Tag string

const (
	// TagTasks fires on task and timer changes.
	TagTasks Tag = "tasks"
	// TagDaily fires on daily-period changes.
	TagDaily Tag = "daily"
	// TagWeekly fires on weekly-period changes.
	TagWeekly Tag = "weekly"
	// TagObjectives fires on objective and key-result changes.
	TagObjectives Tag = "objectives"
	// TagMetrics fires on daily metric value or template changes.
	TagMetrics Tag = "metrics"
	// TagWidgets fires on dashboard widget changes.
	TagWidgets Tag = "widgets"
	// TagQueries fires on saved query changes.
	TagQueries Tag = "queries"
)

// Parse interprets a string as a change tag.
func (t *Tag) Parse(val string) error {
	switch Tag(val) {
	case TagTasks, TagDaily, TagWeekly, TagObjectives, TagMetrics, TagWidgets, TagQueries:
		*t = Tag(val)
		return nil
	}
	return trace.BadParameter("unknown event tag: %q", val)
}

// Event is one change notification.
type Event struct {
	Tag  Tag       `json:"tag"`
	Time time.Time `json:"time"`
}

// Config configures a Broadcaster.
type Config struct {
	// QueueSize bounds each subscriber's queue.
	QueueSize int
	// Clock stamps events.
	Clock clockwork.Clock
	// Logger emits log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.QueueSize <= 0 {
		c.QueueSize = defaults.EventQueueSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(goalpost.ComponentKey, goalpost.ComponentEvents)
	}
	return nil
}

// Broadcaster routes change events to the subscribers of the affected user.
type Broadcaster struct {
	Config

	mu     sync.Mutex
	nextID int64
	users  map[string]map[int64]*Subscription
	closed bool
}

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster(cfg Config) (*Broadcaster, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Broadcaster{
		Config: cfg,
		users:  make(map[string]map[int64]*Subscription),
	}, nil
}

// Subscribe registers a new subscriber for one user's events. The caller
// must Close the subscription when done.
func (b *Broadcaster) Subscribe(userID string) (*Subscription, error) {
	if userID == "" {
		return nil, trace.BadParameter("missing parameter userID")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, trace.ConnectionProblem(nil, "broadcaster is closed")
	}
	b.nextID++
	sub := &Subscription{
		id:          b.nextID,
		userID:      userID,
		events:      make(chan Event, b.QueueSize),
		done:        make(chan struct{}),
		broadcaster: b,
	}
	subs := b.users[userID]
	if subs == nil {
		subs = make(map[int64]*Subscription)
		b.users[userID] = subs
	}
	subs[sub.id] = sub
	subscriberGauge.Inc()
	return sub, nil
}

// Publish enqueues one event per tag for every subscriber of the user.
// Subscribers whose queue is full are dropped on the spot.
func (b *Broadcaster) Publish(userID string, tags ...Tag) {
	now := b.Clock.Now().UTC()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.users[userID] {
		b.sendLocked(sub, tags, now)
	}
}

// sendLocked enqueues the tags for one subscriber, dropping the subscriber
// at the first full-queue send. Callers hold b.mu.
func (b *Broadcaster) sendLocked(sub *Subscription, tags []Tag, now time.Time) {
	for _, tag := range tags {
		select {
		case sub.events <- Event{Tag: tag, Time: now}:
		default:
			b.removeLocked(sub)
			droppedCount.Inc()
			b.Logger.Warn("Dropping subscriber that fell behind.",
				"user_id", sub.userID, "queue_size", b.QueueSize)
			return
		}
	}
}

// SubscriberCount reports how many subscribers a user currently has.
func (b *Broadcaster) SubscriberCount(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.users[userID])
}

// Close drops every subscriber and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.users {
		for _, sub := range subs {
			sub.closeLocked()
			subscriberGauge.Dec()
		}
	}
	b.users = make(map[string]map[int64]*Subscription)
}

// removeLocked unregisters a subscription. Callers hold b.mu.
func (b *Broadcaster) removeLocked(sub *Subscription) {
	subs := b.users[sub.userID]
	if _, ok := subs[sub.id]; !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(b.users, sub.userID)
	}
	sub.closeLocked()
	subscriberGauge.Dec()
}

// Subscription is one subscriber's view of a user's event stream.
type Subscription struct {
	id          int64
	userID      string
	events      chan Event
	done        chan struct{}
	closeOnce   sync.Once
	broadcaster *Broadcaster
}

// Events returns the queue of pending events. The channel is closed when
// the subscription ends; buffered events before the close are deliverable.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Done signals that the subscription was closed or dropped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.broadcaster.mu.Lock()
	defer s.broadcaster.mu.Unlock()
	s.broadcaster.removeLocked(s)
}

// closeLocked closes the subscription channels. Callers hold the
// broadcaster's mutex, which also serializes every send, so closing the
// event channel here cannot race a publish.
func (s *Subscription) closeLocked() {
	s.closeOnce.Do(func() {
		close(s.done)
		close(s.events)
	})
}
