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

// Package syncer pulls daily metric data from connected external providers
// into local storage. A periodic schedule walks every syncable connection
// once an hour; SyncNow serves the "sync now" button. Both paths funnel into
// the same per-connection routine, so re-runs are idempotent upserts.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/goalpost-dev/goalpost"
	"github.com/goalpost-dev/goalpost/lib/defaults"
	"github.com/goalpost-dev/goalpost/lib/events"
	"github.com/goalpost-dev/goalpost/lib/oauth"
	"github.com/goalpost-dev/goalpost/lib/plugins"
	"github.com/goalpost-dev/goalpost/lib/types"
	logutils "github.com/goalpost-dev/goalpost/lib/utils/log"
)

var (
	syncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: goalpost.MetricSyncRuns,
			Help: "Number of plugin sync runs by result",
		},
		[]string{"result"},
	)
	syncRecordsImported = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: goalpost.MetricSyncRecordsImported,
			Help: "Number of metric values imported from plugins",
		},
		[]string{"plugin"},
	)
)

func init() {
	prometheus.MustRegister(syncRuns, syncRecordsImported)
}

// syncSchedule is the fixed periodic cadence. Connections that need a
// different rhythm use the on-demand path.
const syncSchedule = "@hourly"

// Sync run results reported to the syncRuns counter.
const (
	resultSuccess   = "success"
	resultRetriable = "retriable_error"
	resultAuthError = "auth_error"
)

// Store is the subset of storage the syncer needs.
type Store interface {
	ListSyncableConnections(ctx context.Context) ([]types.PluginConnection, error)
	GetPluginConnection(ctx context.Context, userID, pluginID string) (types.PluginConnection, error)
	GetUser(ctx context.Context, id string) (types.User, error)
	UpsertMetricValue(ctx context.Context, v types.DailyMetricValue) (types.DailyMetricValue, error)
	SetPluginLastSync(ctx context.Context, userID, pluginID string, at time.Time) error
	SetPluginEnabled(ctx context.Context, userID, pluginID string, enabled bool) error
}

// TokenBroker keeps connection credentials usable. Implemented by
// oauth.Broker.
type TokenBroker interface {
	EnsureFresh(ctx context.Context, conn types.PluginConnection) (types.PluginCredentials, error)
	Refresh(ctx context.Context, conn types.PluginConnection) (types.PluginCredentials, error)
}

// Config holds syncer collaborators.
type Config struct {
	// Store persists connections and imported metric values.
	Store Store
	// Plugins resolves connection plugin IDs to providers.
	Plugins *plugins.Registry
	// Broker refreshes OAuth credentials.
	Broker TokenBroker
	// Events is notified after imports land.
	Events *events.Broadcaster
	// Clock is used to compute sync windows and lastSync stamps.
	Clock clockwork.Clock
	// Logger emits log messages.
	Logger *slog.Logger
	// MaxParallel bounds concurrent connection syncs in a periodic run.
	MaxParallel int
	// StepTimeout bounds a single connection sync end to end.
	StepTimeout time.Duration
}

// CheckAndSetDefaults does basic validation and default setting.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Plugins == nil {
		return trace.BadParameter("missing parameter Plugins")
	}
	if c.Broker == nil {
		return trace.BadParameter("missing parameter Broker")
	}
	if c.Events == nil {
		return trace.BadParameter("missing parameter Events")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(goalpost.ComponentKey, goalpost.ComponentSyncer)
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = defaults.SyncMaxParallel
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = defaults.SyncStepTimeout
	}
	return nil
}

// Syncer runs plugin syncs on a schedule and on demand.
type Syncer struct {
	Config

	cron *cron.Cron

	// mu guards running and closed. The waitgroup is incremented under mu
	// so Close cannot miss an in-flight sync.
	mu      sync.Mutex
	running map[string]bool
	closed  bool

	inflight  sync.WaitGroup
	closeOnce sync.Once

	// baseCtx parents periodic runs and is canceled when a drain times out.
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New returns a stopped syncer. Call Start to begin the periodic schedule.
func New(cfg Config) (*Syncer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Syncer{
		Config:     cfg,
		cron:       cron.New(),
		running:    make(map[string]bool),
		baseCtx:    ctx,
		baseCancel: cancel,
	}, nil
}

// Start begins the hourly schedule.
func (s *Syncer) Start() error {
	if _, err := s.cron.AddFunc(syncSchedule, s.periodic); err != nil {
		return trace.Wrap(err)
	}
	s.cron.Start()
	s.Logger.Info("Plugin sync schedule started.", "schedule", syncSchedule)
	return nil
}

// Close stops the schedule, refuses new work, and waits for in-flight syncs
// to drain. Syncs still running after the shutdown budget are canceled.
func (s *Syncer) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cron.Stop()

		done := make(chan struct{})
		go func() {
			s.inflight.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(defaults.ShutdownTimeout):
			s.Logger.Warn("Sync drain timed out, canceling in-flight syncs.")
			s.baseCancel()
			<-done
		}
		s.baseCancel()
	})
}

func (s *Syncer) periodic() {
	if err := s.SyncAll(s.baseCtx); err != nil {
		s.Logger.Warn("Periodic sync pass failed.", "error", err)
	}
}

// SyncAll syncs every syncable connection, bounding parallelism. Individual
// connection failures are logged and counted but do not stop the pass;
// tuples with a sync already running are skipped.
func (s *Syncer) SyncAll(ctx context.Context) error {
	conns, err := s.Store.ListSyncableConnections(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	var group errgroup.Group
	group.SetLimit(s.MaxParallel)
	for _, conn := range conns {
		group.Go(func() error {
			if _, err := s.syncConnection(ctx, conn, "", "", false); err != nil {
				s.Logger.Warn("Plugin sync failed.",
					"user", conn.UserID, "plugin", conn.PluginID, "error", err)
			}
			return nil
		})
	}
	return trace.Wrap(group.Wait())
}

// SyncNow runs a single on-demand sync and reports how many records it
// imported. Empty start and end select the default window. A sync already
// running for the same user and plugin returns an AlreadyExists conflict.
func (s *Syncer) SyncNow(ctx context.Context, userID, pluginID, start, end string) (int, error) {
	conn, err := s.Store.GetPluginConnection(ctx, userID, pluginID)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if !conn.Enabled {
		return 0, trace.BadParameter("the %v connection is disabled", pluginID)
	}
	imported, err := s.syncConnection(ctx, conn, start, end, true)
	return imported, trace.Wrap(err)
}

// tryAcquire marks the connection busy. It returns false when a sync for
// the same tuple is already running or the syncer is shutting down.
func (s *Syncer) tryAcquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.running[key] {
		return false
	}
	s.running[key] = true
	s.inflight.Add(1)
	return true
}

func (s *Syncer) release(key string) {
	s.mu.Lock()
	delete(s.running, key)
	s.mu.Unlock()
	s.inflight.Done()
}

func (s *Syncer) syncConnection(ctx context.Context, conn types.PluginConnection, start, end string, onDemand bool) (int, error) {
	key := conn.UserID + "/" + conn.PluginID
	if !s.tryAcquire(key) {
		if onDemand {
			return 0, trace.AlreadyExists("a %v sync is already running", conn.PluginID)
		}
		return 0, nil
	}
	defer s.release(key)

	ctx, cancel := context.WithTimeout(ctx, s.StepTimeout)
	defer cancel()

	imported, err := s.runSync(ctx, conn, start, end)
	switch {
	case err == nil:
		syncRuns.WithLabelValues(resultSuccess).Inc()
	case errors.Is(err, oauth.ErrRefreshFailed) || trace.IsAccessDenied(err):
		syncRuns.WithLabelValues(resultAuthError).Inc()
	default:
		syncRuns.WithLabelValues(resultRetriable).Inc()
	}
	return imported, trace.Wrap(err)
}

func (s *Syncer) runSync(ctx context.Context, conn types.PluginConnection, start, end string) (int, error) {
	plugin, err := s.Plugins.Get(conn.PluginID)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	user, err := s.Store.GetUser(ctx, conn.UserID)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	start, end, err = s.resolveWindow(&user, start, end)
	if err != nil {
		return 0, trace.Wrap(err)
	}

	creds, err := s.Broker.EnsureFresh(ctx, conn)
	if err != nil {
		return 0, trace.Wrap(err)
	}

	fields := plugin.AvailableFields()
	fieldIDs := make([]string, 0, len(fields))
	for _, f := range fields {
		fieldIDs = append(fieldIDs, f.ID)
	}

	records, err := plugin.FetchData(ctx, creds, start, end, fieldIDs)
	if trace.IsAccessDenied(err) {
		// The provider rejected a token the broker considered usable.
		// Force one refresh and retry; a second rejection is permanent.
		conn.Credentials = creds
		creds, err = s.Broker.Refresh(ctx, conn)
		if err != nil {
			return 0, trace.Wrap(err)
		}
		records, err = plugin.FetchData(ctx, creds, start, end, fieldIDs)
		if trace.IsAccessDenied(err) {
			s.Logger.Warn("Provider rejected freshly refreshed credentials, disabling connection.",
				"user", conn.UserID, "plugin", conn.PluginID)
			if derr := s.Store.SetPluginEnabled(ctx, conn.UserID, conn.PluginID, false); derr != nil {
				return 0, trace.NewAggregate(err, derr)
			}
			return 0, trace.Wrap(err)
		}
	}
	if err != nil {
		return 0, trace.Wrap(err)
	}

	imported := 0
	for _, rec := range plugins.CleanRecords(plugin, records) {
		for field, value := range rec.Fields {
			_, err := s.Store.UpsertMetricValue(ctx, types.DailyMetricValue{
				UserID:     conn.UserID,
				Date:       rec.Date,
				MetricName: conn.PluginID + "." + field,
				Value:      value,
				Source:     conn.PluginID,
			})
			if err != nil {
				return 0, trace.Wrap(err)
			}
			imported++
		}
	}
	syncRecordsImported.WithLabelValues(conn.PluginID).Add(float64(imported))

	if err := s.Store.SetPluginLastSync(ctx, conn.UserID, conn.PluginID, s.Clock.Now()); err != nil {
		return imported, trace.Wrap(err)
	}
	if imported > 0 {
		s.Events.Publish(conn.UserID, events.TagMetrics, events.TagDaily)
	}
	s.Logger.Debug("Plugin sync finished.",
		"user", conn.UserID, "plugin", conn.PluginID,
		"start", start, "end", end, "imported", imported)
	return imported, nil
}

// resolveWindow fills in the default sync window, the trailing week in the
// user's timezone, and validates caller-provided bounds.
func (s *Syncer) resolveWindow(user *types.User, start, end string) (string, string, error) {
	if start == "" && end == "" {
		now := s.Clock.Now().In(user.Location())
		return types.FormatDate(now.AddDate(0, 0, -defaults.SyncWindowDays)), types.FormatDate(now), nil
	}
	if start == "" || end == "" {
		return "", "", trace.BadParameter("start and end must be provided together")
	}
	from, err := types.ParseDate(start)
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	to, err := types.ParseDate(end)
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	if to.Before(from) {
		return "", "", trace.BadParameter("sync window end %v precedes start %v", end, start)
	}
	return start, end, nil
}
