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

// Package service assembles a goalpost process: it opens the store, wires
// every subsystem together and runs the API and diagnostic listeners until
// told to stop.
package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/goalpost-dev/goalpost"
	"github.com/goalpost-dev/goalpost/lib/defaults"
	"github.com/goalpost-dev/goalpost/lib/events"
	"github.com/goalpost-dev/goalpost/lib/export"
	"github.com/goalpost-dev/goalpost/lib/flex"
	"github.com/goalpost-dev/goalpost/lib/limiter"
	"github.com/goalpost-dev/goalpost/lib/oauth"
	"github.com/goalpost-dev/goalpost/lib/plugins"
	"github.com/goalpost-dev/goalpost/lib/queries"
	"github.com/goalpost-dev/goalpost/lib/sandbox"
	"github.com/goalpost-dev/goalpost/lib/settings"
	"github.com/goalpost-dev/goalpost/lib/storage"
	"github.com/goalpost-dev/goalpost/lib/syncer"
	"github.com/goalpost-dev/goalpost/lib/types"
	logutils "github.com/goalpost-dev/goalpost/lib/utils/log"
	"github.com/goalpost-dev/goalpost/lib/web"
)

// LogConfig selects where and how the process logs.
type LogConfig struct {
	// Output is "stderr", "stdout" or a file path. Defaults to stderr.
	Output string
	// Severity is the minimum emitted level: debug, info, warn or error.
	Severity string
	// Format is "text" or "json".
	Format string
}

// Config holds the process-level configuration assembled from the YAML
// file, environment and command line before the service starts.
type Config struct {
	// DatabasePath is the sqlite file everything persists to.
	DatabasePath string

	// ListenAddr is the address the JSON API binds to.
	ListenAddr string

	// DiagAddr is the address of the diagnostic endpoints (healthz,
	// readyz, prometheus metrics). Empty disables the listener.
	DiagAddr string

	// Log configures process logging.
	Log LogConfig

	// Clock is the time source for every subsystem.
	Clock clockwork.Clock

	// HTTPClient performs outbound provider requests (OAuth exchanges
	// and data fetches).
	HTTPClient *http.Client
}

// MakeDefaultConfig returns the configuration a bare process starts with
// before the file, environment and flags are applied.
func MakeDefaultConfig() *Config {
	return &Config{
		DatabasePath: defaults.DatabasePath,
		ListenAddr:   defaults.HTTPListenAddr,
		DiagAddr:     defaults.DiagListenAddr,
		Log:          LogConfig{Output: "stderr", Severity: "info", Format: "text"},
	}
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.DatabasePath == "" {
		c.DatabasePath = defaults.DatabasePath
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.HTTPListenAddr
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: defaults.SyncRequestTimeout}
	}
	return nil
}

// Service is one wired goalpost process.
type Service struct {
	Config

	logger *slog.Logger

	store       *storage.Storage
	settings    *settings.Settings
	registry    *plugins.Registry
	broker      *oauth.Broker
	broadcaster *events.Broadcaster
	syncer      *syncer.Syncer
	handler     *web.Handler

	apiServer  *http.Server
	diagServer *http.Server

	ready     atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New builds a service from the config: logging first, then the store and
// every subsystem on top of it. The returned service is not listening yet;
// call Run.
func New(ctx context.Context, cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	output, err := openLogOutput(cfg.Log.Output)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	logger, _, err := logutils.Initialize(logutils.Config{
		Severity: cfg.Log.Severity,
		Format:   cfg.Log.Format,
		Output:   output,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	logger = logger.With(goalpost.ComponentKey, goalpost.ComponentService)

	store, err := storage.New(ctx, storage.Config{
		Path:  cfg.DatabasePath,
		Clock: cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	setSvc, err := settings.New(settings.Config{Store: store})
	if err != nil {
		return nil, trace.NewAggregate(err, store.Close())
	}

	registry := plugins.NewRegistry()
	fitbit, err := plugins.NewFitbit(plugins.FitbitConfig{
		Settings: setSvc,
		Client:   cfg.HTTPClient,
	})
	if err != nil {
		return nil, trace.NewAggregate(err, store.Close())
	}
	oura, err := plugins.NewOura(plugins.OuraConfig{
		Settings: setSvc,
		Client:   cfg.HTTPClient,
	})
	if err != nil {
		return nil, trace.NewAggregate(err, store.Close())
	}
	if err := registry.Add(fitbit); err != nil {
		return nil, trace.NewAggregate(err, store.Close())
	}
	if err := registry.Add(oura); err != nil {
		return nil, trace.NewAggregate(err, store.Close())
	}

	broker, err := oauth.NewBroker(oauth.Config{
		Store:   store,
		Plugins: registry,
		Client:  cfg.HTTPClient,
		Clock:   cfg.Clock,
	})
	if err != nil {
		return nil, trace.NewAggregate(err, store.Close())
	}

	broadcaster, err := events.NewBroadcaster(events.Config{Clock: cfg.Clock})
	if err != nil {
		return nil, trace.NewAggregate(err, store.Close())
	}

	lim, err := limiter.New(limiter.Config{Clock: cfg.Clock})
	if err != nil {
		return nil, trace.NewAggregate(err, store.Close())
	}
	host, err := sandbox.New(sandbox.Config{Clock: cfg.Clock})
	if err != nil {
		return nil, trace.NewAggregate(err, store.Close())
	}
	executor, err := queries.New(queries.Config{
		Store:   store,
		Limiter: lim,
		Host:    host,
		Events:  broadcaster,
		Clock:   cfg.Clock,
	})
	if err != nil {
		return nil, trace.NewAggregate(err, store.Close())
	}

	engine, err := flex.New(flex.Config{Store: store})
	if err != nil {
		return nil, trace.NewAggregate(err, store.Close())
	}

	scheduler, err := syncer.New(syncer.Config{
		Store:   store,
		Plugins: registry,
		Broker:  broker,
		Events:  broadcaster,
		Clock:   cfg.Clock,
	})
	if err != nil {
		return nil, trace.NewAggregate(err, store.Close())
	}

	exporter, err := export.New(export.Config{Store: store, Clock: cfg.Clock})
	if err != nil {
		return nil, trace.NewAggregate(err, store.Close())
	}

	handler, err := web.NewHandler(web.Config{
		Store:    store,
		Executor: executor,
		Flex:     engine,
		Broker:   broker,
		Syncer:   scheduler,
		Plugins:  registry,
		Settings: setSvc,
		Events:   broadcaster,
		Export:   exporter,
		Clock:    cfg.Clock,
	})
	if err != nil {
		return nil, trace.NewAggregate(err, store.Close())
	}

	s := &Service{
		Config:      cfg,
		logger:      logger,
		store:       store,
		settings:    setSvc,
		registry:    registry,
		broker:      broker,
		broadcaster: broadcaster,
		syncer:      scheduler,
		handler:     handler,
	}

	if err := s.bootstrapAdmin(ctx); err != nil {
		return nil, trace.NewAggregate(err, store.Close())
	}

	s.apiServer = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
		// Only the header read is bounded: the events stream holds its
		// response open indefinitely.
		ReadHeaderTimeout: defaults.HTTPRequestTimeout,
	}
	if cfg.DiagAddr != "" {
		s.diagServer = &http.Server{
			Addr:              cfg.DiagAddr,
			Handler:           s.diagHandler(),
			ReadHeaderTimeout: defaults.HTTPRequestTimeout,
		}
	}
	return s, nil
}

// bootstrapAdmin grants admin to the configured username, creating the
// user on first start so a fresh instance is manageable.
func (s *Service) bootstrapAdmin(ctx context.Context) error {
	username, ok, err := s.settings.Get(ctx, types.ConfigAdminUsername)
	if err != nil {
		return trace.Wrap(err)
	}
	if !ok || username == "" {
		return nil
	}
	user, err := s.store.GetUserByUsername(ctx, username)
	if trace.IsNotFound(err) {
		if _, err := s.store.CreateUser(ctx, types.User{Username: username, Admin: true}); err != nil {
			return trace.Wrap(err)
		}
		s.logger.InfoContext(ctx, "Created bootstrap admin user.", "user", username)
		return nil
	}
	if err != nil {
		return trace.Wrap(err)
	}
	if user.Admin {
		return nil
	}
	user.Admin = true
	if _, err := s.store.UpdateUser(ctx, user); err != nil {
		return trace.Wrap(err)
	}
	s.logger.InfoContext(ctx, "Granted admin to bootstrap user.", "user", username)
	return nil
}

// Run binds the listeners and serves until the context is canceled or a
// listener fails, then drains gracefully.
func (s *Service) Run(ctx context.Context) error {
	apiListener, err := net.Listen("tcp", s.ListenAddr)
	if err != nil {
		return trace.NewAggregate(trace.ConnectionProblem(err, "binding API listener on %v", s.ListenAddr), s.Close())
	}
	var diagListener net.Listener
	if s.diagServer != nil {
		diagListener, err = net.Listen("tcp", s.DiagAddr)
		if err != nil {
			return trace.NewAggregate(trace.ConnectionProblem(err, "binding diagnostic listener on %v", s.DiagAddr), s.Close())
		}
	}

	if err := s.syncer.Start(); err != nil {
		return trace.NewAggregate(err, s.Close())
	}
	s.ready.Store(true)
	s.logger.InfoContext(ctx, "Goalpost is ready.",
		"version", goalpost.Version,
		"listen_addr", apiListener.Addr().String(),
		"database", s.DatabasePath)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := s.apiServer.Serve(apiListener); !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	})
	if s.diagServer != nil {
		group.Go(func() error {
			if err := s.diagServer.Serve(diagListener); !errors.Is(err, http.ErrServerClosed) {
				return trace.Wrap(err)
			}
			return nil
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		return trace.Wrap(s.Close())
	})
	return trace.Wrap(group.Wait())
}

// Close drains and releases everything. Safe to call more than once and
// while Run is blocked; Run returns once the listeners are down.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.ready.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
		defer cancel()
		s.logger.InfoContext(ctx, "Shutting down.")

		var errs []error
		if s.apiServer != nil {
			if err := s.apiServer.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if s.diagServer != nil {
			if err := s.diagServer.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		// The syncer drains in-flight work against its own budget.
		s.syncer.Close()
		s.broker.Close()
		s.broadcaster.Close()
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
		s.closeErr = trace.NewAggregate(errs...)
		s.logger.InfoContext(ctx, "Shutdown complete.")
	})
	return s.closeErr
}

// diagHandler serves the operational endpoints: liveness, readiness and
// prometheus metrics. They are unauthenticated and belong on a loopback
// or otherwise fenced-off address.
func (s *Service) diagHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, "not ready")
			return
		}
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func openLogOutput(output string) (io.Writer, error) {
	switch strings.ToLower(output) {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	f, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return f, nil
}
