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

// Package limiter bounds how many sandbox executions a user may start
// within a rolling window. Counters are process-local and reset on restart.
package limiter

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/goalpost-dev/goalpost"
	"github.com/goalpost-dev/goalpost/lib/defaults"
)

var rateLimitedCount = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: goalpost.MetricQueriesRateLimited,
		Help: "Number of query executions rejected by the rate limiter",
	},
)

func init() {
	prometheus.MustRegister(rateLimitedCount)
}

// Config configures a Limiter.
type Config struct {
	// Limit is the number of executions allowed per window.
	Limit int
	// Window is the rolling window length.
	Window time.Duration
	// Clock is used to time events.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Limit < 0 {
		return trace.BadParameter("negative execution limit")
	}
	if c.Limit == 0 {
		c.Limit = defaults.RateLimitExecutions
	}
	if c.Window <= 0 {
		c.Window = defaults.RateLimitWindow
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Limiter admits or rejects execution attempts per user over a rolling
// window. Rejected attempts do not count toward the window, so a user
// hammering the endpoint recovers as soon as admitted runs age out.
type Limiter struct {
	Config

	mu    sync.Mutex
	users map[string]*timedCounter
}

// New creates a Limiter.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Limiter{
		Config: cfg,
		users:  make(map[string]*timedCounter),
	}, nil
}

// Allow records one execution for the user, or returns trace.LimitExceeded
// when the window is already full.
func (l *Limiter) Allow(userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	counter := l.users[userID]
	if counter == nil {
		counter = &timedCounter{clock: l.Clock, timeout: l.Window}
		l.users[userID] = counter
	}
	if counter.count() >= l.Limit {
		rateLimitedCount.Inc()
		return trace.LimitExceeded("query rate limit of %d per %v exceeded", l.Limit, l.Window)
	}
	counter.increment()
	return nil
}

// Count reports how many admitted executions sit in the user's window.
func (l *Limiter) Count(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	counter := l.users[userID]
	if counter == nil {
		return 0
	}
	return counter.count()
}

// timedCounter counts events over a trailing window, expiring old events
// as time passes. Callers synchronize access.
type timedCounter struct {
	clock   clockwork.Clock
	timeout time.Duration
	events  []time.Time
}

func (c *timedCounter) increment() int {
	c.trim()
	c.events = append(c.events, c.clock.Now())
	return len(c.events)
}

func (c *timedCounter) count() int {
	c.trim()
	return len(c.events)
}

func (c *timedCounter) trim() {
	deadline := c.clock.Now().Add(-c.timeout)
	lastExpired := -1
	for i := range c.events {
		if c.events[i].After(deadline) {
			break
		}
		lastExpired = i
	}
	if lastExpired > -1 {
		c.events = c.events[lastExpired+1:]
	}
}
