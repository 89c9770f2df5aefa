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

package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/goalpost-dev/goalpost/lib/defaults"
	"github.com/goalpost-dev/goalpost/lib/plugins"
	"github.com/goalpost-dev/goalpost/lib/types"
)

type fakeSettings map[string]string

func (s fakeSettings) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok := s[key]
	return v, ok, nil
}

func (s fakeSettings) BaseURL(ctx context.Context) (string, error) {
	v, ok := s[types.ConfigBaseURL]
	if !ok || v == "" {
		return "", trace.NotFound("base URL is not configured")
	}
	return v, nil
}

type fakeStore struct {
	mu       sync.Mutex
	conns    map[string]types.PluginConnection
	disabled []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{conns: make(map[string]types.PluginConnection)}
}

func (s *fakeStore) UpsertPluginConnection(ctx context.Context, conn types.PluginConnection) (types.PluginConnection, error) {
	if err := conn.CheckAndSetDefaults(); err != nil {
		return types.PluginConnection{}, trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn.UserID+"/"+conn.PluginID] = conn
	return conn, nil
}

func (s *fakeStore) UpdatePluginCredentials(ctx context.Context, userID, pluginID string, creds types.PluginCredentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userID + "/" + pluginID
	conn, ok := s.conns[key]
	if !ok {
		return trace.NotFound("no %q connection for user", pluginID)
	}
	conn.Credentials = creds
	s.conns[key] = conn
	return nil
}

func (s *fakeStore) SetPluginEnabled(ctx context.Context, userID, pluginID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userID + "/" + pluginID
	conn, ok := s.conns[key]
	if !ok {
		return trace.NotFound("no %q connection for user", pluginID)
	}
	conn.Enabled = enabled
	s.conns[key] = conn
	if !enabled {
		s.disabled = append(s.disabled, key)
	}
	return nil
}

func (s *fakeStore) get(userID, pluginID string) (types.PluginConnection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[userID+"/"+pluginID]
	return conn, ok
}

type brokerPack struct {
	clock  *clockwork.FakeClock
	store  *fakeStore
	broker *Broker

	mu            sync.Mutex
	refreshCalls  int
	exchangeCalls int
}

// newBrokerPack wires a broker against a fitbit provider whose OAuth
// endpoints point at a local test server.
func newBrokerPack(t *testing.T, tokenStatus int, tokenBody string) *brokerPack {
	t.Helper()
	pack := &brokerPack{
		clock: clockwork.NewFakeClockAt(time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)),
		store: newFakeStore(),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		pack.mu.Lock()
		switch r.FormValue("grant_type") {
		case "authorization_code":
			pack.exchangeCalls++
			require.NotEmpty(t, r.FormValue("code"))
			require.NotEmpty(t, r.FormValue("code_verifier"))
		case "refresh_token":
			pack.refreshCalls++
			require.NotEmpty(t, r.FormValue("refresh_token"))
		}
		pack.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(tokenStatus)
		fmt.Fprint(w, tokenBody)
	}))
	t.Cleanup(srv.Close)

	settings := fakeSettings{types.ConfigBaseURL: "https://goals.example.com"}
	settings[types.PluginConfigKey(plugins.FitbitID, "client_id")] = "23ABCD"

	fitbit, err := plugins.NewFitbit(plugins.FitbitConfig{
		Settings: settings,
		Client:   srv.Client(),
		AuthURL:  srv.URL + "/oauth2/authorize",
		TokenURL: srv.URL + "/oauth2/token",
	})
	require.NoError(t, err)
	registry := plugins.NewRegistry()
	require.NoError(t, registry.Add(fitbit))

	broker, err := NewBroker(Config{
		Store:   pack.store,
		Plugins: registry,
		Client:  srv.Client(),
		Clock:   pack.clock,
	})
	require.NoError(t, err)
	t.Cleanup(broker.Close)

	pack.broker = broker
	return pack
}

func (p *brokerPack) counts() (exchanges, refreshes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchangeCalls, p.refreshCalls
}

const goodTokenBody = `{"access_token": "at-1", "refresh_token": "rt-1", "token_type": "Bearer", "expires_in": 3600}`

func TestStartAndCallback(t *testing.T) {
	pack := newBrokerPack(t, http.StatusOK, goodTokenBody)
	ctx := context.Background()

	res, err := pack.broker.Start(ctx, "user-1", plugins.FitbitID)
	require.NoError(t, err)
	require.NotEmpty(t, res.State)
	require.Equal(t, 1, pack.broker.PendingCount())

	authURL, err := url.Parse(res.URL)
	require.NoError(t, err)
	q := authURL.Query()
	require.Equal(t, res.State, q.Get("state"))
	require.Equal(t, "23ABCD", q.Get("client_id"))
	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.NotEmpty(t, q.Get("code_challenge"))
	require.Equal(t, "https://goals.example.com/plugins/fitbit/callback", q.Get("redirect_uri"))

	conn, err := pack.broker.Callback(ctx, res.State, url.Values{
		"state": []string{res.State},
		"code":  []string{"auth-code-1"},
	})
	require.NoError(t, err)
	require.True(t, conn.Enabled)
	require.Equal(t, "user-1", conn.UserID)
	require.Equal(t, "at-1", conn.Credentials.AccessToken)
	require.Equal(t, "rt-1", conn.Credentials.RefreshToken)

	stored, ok := pack.store.get("user-1", plugins.FitbitID)
	require.True(t, ok)
	require.Equal(t, "at-1", stored.Credentials.AccessToken)

	// the flow is single use
	require.Equal(t, 0, pack.broker.PendingCount())
	_, err = pack.broker.Callback(ctx, res.State, url.Values{
		"state": []string{res.State},
		"code":  []string{"auth-code-1"},
	})
	require.ErrorIs(t, err, ErrInvalidState)

	exchanges, _ := pack.counts()
	require.Equal(t, 1, exchanges)
}

func TestCallbackStateChecks(t *testing.T) {
	pack := newBrokerPack(t, http.StatusOK, goodTokenBody)
	ctx := context.Background()

	res, err := pack.broker.Start(ctx, "user-1", plugins.FitbitID)
	require.NoError(t, err)

	// query state differs from the browser cookie
	_, err = pack.broker.Callback(ctx, "someone-elses-state", url.Values{
		"state": []string{res.State},
		"code":  []string{"auth-code"},
	})
	require.ErrorIs(t, err, ErrInvalidState)

	// state that was never issued
	forged := url.Values{"state": []string{"forged"}, "code": []string{"auth-code"}}
	_, err = pack.broker.Callback(ctx, "forged", forged)
	require.ErrorIs(t, err, ErrInvalidState)

	// missing code
	_, err = pack.broker.Callback(ctx, res.State, url.Values{"state": []string{res.State}})
	require.ErrorIs(t, err, ErrInvalidState)

	// provider-reported error
	_, err = pack.broker.Callback(ctx, res.State, url.Values{
		"state": []string{res.State},
		"code":  []string{"auth-code"},
		"error": []string{"access_denied"},
	})
	require.ErrorIs(t, err, ErrTokenExchangeFailed)

	exchanges, _ := pack.counts()
	require.Equal(t, 0, exchanges)
}

func TestCallbackExpired(t *testing.T) {
	pack := newBrokerPack(t, http.StatusOK, goodTokenBody)
	ctx := context.Background()

	res, err := pack.broker.Start(ctx, "user-1", plugins.FitbitID)
	require.NoError(t, err)

	pack.clock.Advance(defaults.PendingAuthTTL + time.Second)
	_, err = pack.broker.Callback(ctx, res.State, url.Values{
		"state": []string{res.State},
		"code":  []string{"auth-code"},
	})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCallbackExchangeRejected(t *testing.T) {
	pack := newBrokerPack(t, http.StatusBadRequest, `{"error": "invalid_grant"}`)
	ctx := context.Background()

	res, err := pack.broker.Start(ctx, "user-1", plugins.FitbitID)
	require.NoError(t, err)
	_, err = pack.broker.Callback(ctx, res.State, url.Values{
		"state": []string{res.State},
		"code":  []string{"bad-code"},
	})
	require.ErrorIs(t, err, ErrTokenExchangeFailed)
}

func TestCallbackProviderDown(t *testing.T) {
	pack := newBrokerPack(t, http.StatusServiceUnavailable, `upstream error`)
	ctx := context.Background()

	res, err := pack.broker.Start(ctx, "user-1", plugins.FitbitID)
	require.NoError(t, err)
	_, err = pack.broker.Callback(ctx, res.State, url.Values{
		"state": []string{res.State},
		"code":  []string{"auth-code"},
	})
	require.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestStartUnknownPlugin(t *testing.T) {
	pack := newBrokerPack(t, http.StatusOK, goodTokenBody)
	_, err := pack.broker.Start(context.Background(), "user-1", "garmin")
	require.True(t, trace.IsNotFound(err))
}

func TestEnsureFresh(t *testing.T) {
	pack := newBrokerPack(t, http.StatusOK,
		`{"access_token": "at-2", "token_type": "Bearer", "expires_in": 3600}`)
	ctx := context.Background()

	now := pack.clock.Now()
	conn, err := pack.store.UpsertPluginConnection(ctx, types.PluginConnection{
		UserID:   "user-1",
		PluginID: plugins.FitbitID,
		Enabled:  true,
		Credentials: types.PluginCredentials{
			AccessToken:  "at-1",
			RefreshToken: "rt-1",
			ExpiresAt:    now.Add(2 * time.Hour).Unix(),
		},
	})
	require.NoError(t, err)

	// far from expiry: returned as is, no refresh round trip
	creds, err := pack.broker.EnsureFresh(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, "at-1", creds.AccessToken)
	_, refreshes := pack.counts()
	require.Equal(t, 0, refreshes)

	// inside the skew: refreshed and persisted
	conn.Credentials.ExpiresAt = now.Add(30 * time.Second).Unix()
	creds, err = pack.broker.EnsureFresh(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, "at-2", creds.AccessToken)
	// provider did not rotate the refresh token
	require.Equal(t, "rt-1", creds.RefreshToken)
	_, refreshes = pack.counts()
	require.Equal(t, 1, refreshes)

	stored, ok := pack.store.get("user-1", plugins.FitbitID)
	require.True(t, ok)
	require.Equal(t, "at-2", stored.Credentials.AccessToken)
}

func TestRefreshRejectionDisables(t *testing.T) {
	pack := newBrokerPack(t, http.StatusBadRequest, `{"error": "invalid_grant"}`)
	ctx := context.Background()

	conn, err := pack.store.UpsertPluginConnection(ctx, types.PluginConnection{
		UserID:   "user-1",
		PluginID: plugins.FitbitID,
		Enabled:  true,
		Credentials: types.PluginCredentials{
			AccessToken:  "at-1",
			RefreshToken: "revoked",
		},
	})
	require.NoError(t, err)

	_, err = pack.broker.Refresh(ctx, conn)
	require.ErrorIs(t, err, ErrRefreshFailed)

	stored, ok := pack.store.get("user-1", plugins.FitbitID)
	require.True(t, ok)
	require.False(t, stored.Enabled)
}

func TestRefreshProviderDownKeepsConnection(t *testing.T) {
	pack := newBrokerPack(t, http.StatusBadGateway, `upstream error`)
	ctx := context.Background()

	conn, err := pack.store.UpsertPluginConnection(ctx, types.PluginConnection{
		UserID:   "user-1",
		PluginID: plugins.FitbitID,
		Enabled:  true,
		Credentials: types.PluginCredentials{
			AccessToken:  "at-1",
			RefreshToken: "rt-1",
		},
	})
	require.NoError(t, err)

	_, err = pack.broker.Refresh(ctx, conn)
	require.ErrorIs(t, err, ErrProviderUnavailable)

	stored, ok := pack.store.get("user-1", plugins.FitbitID)
	require.True(t, ok)
	require.True(t, stored.Enabled)
}

func TestPendingSweep(t *testing.T) {
	pack := newBrokerPack(t, http.StatusOK, goodTokenBody)

	// wait for the sweeper's ticker before moving the clock
	pack.clock.BlockUntil(1)
	_, err := pack.broker.Start(context.Background(), "user-1", plugins.FitbitID)
	require.NoError(t, err)
	require.Equal(t, 1, pack.broker.PendingCount())

	pack.clock.Advance(defaults.PendingAuthTTL + sweepInterval)
	require.Eventually(t, func() bool {
		return pack.broker.PendingCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}
