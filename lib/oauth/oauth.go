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

// Package oauth brokers the OAuth2 authorization-code flow between users
// and data providers: it mints PKCE challenges, tracks pending flows in a
// process-local TTL map, redeems callbacks into stored credentials and
// refreshes tokens nearing expiry. Losing the pending map on restart is
// acceptable; in-flight flows fail and the user retries.
package oauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	"github.com/goalpost-dev/goalpost"
	"github.com/goalpost-dev/goalpost/lib/defaults"
	"github.com/goalpost-dev/goalpost/lib/plugins"
	"github.com/goalpost-dev/goalpost/lib/types"
	"github.com/goalpost-dev/goalpost/lib/utils"
	logutils "github.com/goalpost-dev/goalpost/lib/utils/log"
)

// Broker failure kinds, matched with errors.Is through trace wrapping.
// All are surfaced to the user except ErrProviderUnavailable, which the
// sync scheduler retries.
var (
	// ErrInvalidState rejects callbacks whose state matches no pending
	// flow, mismatches the browser cookie, or arrived after the TTL.
	ErrInvalidState = errors.New("authorization state is invalid or expired")
	// ErrTokenExchangeFailed marks a rejected authorization-code exchange.
	ErrTokenExchangeFailed = errors.New("authorization code exchange failed")
	// ErrRefreshFailed marks a permanently rejected token refresh; the
	// connection is disabled when it occurs.
	ErrRefreshFailed = errors.New("token refresh was rejected")
	// ErrProviderUnavailable marks provider-side outages and network
	// failures.
	ErrProviderUnavailable = errors.New("provider is unavailable")
)

// stateBytes sizes the random state token; 16 bytes is 128 bits.
const stateBytes = 16

// sweepInterval is how often expired pending flows are dropped.
const sweepInterval = time.Minute

// Store is the subset of the storage layer the broker needs.
type Store interface {
	UpsertPluginConnection(ctx context.Context, conn types.PluginConnection) (types.PluginConnection, error)
	UpdatePluginCredentials(ctx context.Context, userID, pluginID string, creds types.PluginCredentials) error
	SetPluginEnabled(ctx context.Context, userID, pluginID string, enabled bool) error
}

// Config configures the broker.
type Config struct {
	// Store persists connections and refreshed credentials.
	Store Store
	// Plugins resolves providers by id.
	Plugins *plugins.Registry
	// Client is the HTTP client used for token endpoints.
	Client *http.Client
	// Clock is the time source.
	Clock clockwork.Clock
	// Logger emits broker logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Plugins == nil {
		return trace.BadParameter("missing parameter Plugins")
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: defaults.SyncRequestTimeout}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(goalpost.ComponentKey, goalpost.ComponentOAuth)
	}
	return nil
}

// pendingAuth is one initiated, not yet redeemed authorization flow.
type pendingAuth struct {
	userID    string
	pluginID  string
	verifier  string
	expiresAt time.Time
}

// Broker runs authorization flows and keeps provider credentials fresh.
type Broker struct {
	Config

	mu      sync.Mutex
	pending map[string]pendingAuth

	closeOnce sync.Once
	done      chan struct{}
}

// NewBroker creates a broker and starts its pending-flow sweeper.
func NewBroker(cfg Config) (*Broker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	b := &Broker{
		Config:  cfg,
		pending: make(map[string]pendingAuth),
		done:    make(chan struct{}),
	}
	go b.sweepLoop()
	return b, nil
}

// Close stops the sweeper. Pending flows are discarded.
func (b *Broker) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

// StartResult carries what the HTTP layer needs to redirect the user to
// the provider.
type StartResult struct {
	// URL is the provider authorization URL.
	URL string
	// State must round-trip through the user agent (typically a cookie)
	// and is compared against the state query parameter on callback.
	State string
}

// Start initiates an authorization flow for one user and provider and
// returns the authorization URL to redirect to.
func (b *Broker) Start(ctx context.Context, userID, pluginID string) (*StartResult, error) {
	if userID == "" {
		return nil, trace.BadParameter("missing parameter userID")
	}
	plugin, err := b.Plugins.Get(pluginID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg, err := plugin.OAuthConfig(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	state, err := utils.CryptoRandomHex(stateBytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	verifier := oauth2.GenerateVerifier()

	b.mu.Lock()
	b.pending[state] = pendingAuth{
		userID:    userID,
		pluginID:  pluginID,
		verifier:  verifier,
		expiresAt: b.Clock.Now().Add(defaults.PendingAuthTTL),
	}
	b.mu.Unlock()

	conf := cfg.Endpoint()
	var opts []oauth2.AuthCodeOption
	if cfg.UsePKCE {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	b.Logger.DebugContext(ctx, "Started authorization flow.", "plugin", pluginID, "user", userID)
	return &StartResult{URL: conf.AuthCodeURL(state, opts...), State: state}, nil
}

// Callback redeems a provider callback: it matches the browser-borne state
// against the callback query, consumes the pending flow, exchanges the
// authorization code and persists the credentials as an enabled
// connection.
func (b *Broker) Callback(ctx context.Context, cookieState string, query url.Values) (types.PluginConnection, error) {
	if errCode := query.Get("error"); errCode != "" {
		return types.PluginConnection{}, trace.WrapWithMessage(ErrTokenExchangeFailed,
			"provider returned error %q", errCode)
	}
	code := query.Get("code")
	if code == "" {
		return types.PluginConnection{}, trace.WrapWithMessage(ErrInvalidState,
			"callback is missing the code parameter")
	}
	state := query.Get("state")
	if state == "" || cookieState == "" ||
		subtle.ConstantTimeCompare([]byte(state), []byte(cookieState)) != 1 {
		return types.PluginConnection{}, trace.WrapWithMessage(ErrInvalidState,
			"callback state does not match the browser session")
	}

	// Pending flows are single use: consumed on lookup whether or not the
	// exchange below succeeds.
	b.mu.Lock()
	entry, ok := b.pending[state]
	delete(b.pending, state)
	b.mu.Unlock()
	if !ok {
		return types.PluginConnection{}, trace.WrapWithMessage(ErrInvalidState,
			"no pending authorization flow for this state")
	}
	if b.Clock.Now().After(entry.expiresAt) {
		return types.PluginConnection{}, trace.WrapWithMessage(ErrInvalidState,
			"the authorization flow expired, start again")
	}

	plugin, err := b.Plugins.Get(entry.pluginID)
	if err != nil {
		return types.PluginConnection{}, trace.Wrap(err)
	}
	cfg, err := plugin.OAuthConfig(ctx)
	if err != nil {
		return types.PluginConnection{}, trace.Wrap(err)
	}

	conf := cfg.Endpoint()
	var opts []oauth2.AuthCodeOption
	if cfg.UsePKCE {
		opts = append(opts, oauth2.VerifierOption(entry.verifier))
	}
	token, err := conf.Exchange(context.WithValue(ctx, oauth2.HTTPClient, b.Client), code, opts...)
	if err != nil {
		converted := plugins.ConvertTokenError(err)
		if trace.IsConnectionProblem(converted) {
			return types.PluginConnection{}, trace.WrapWithMessage(ErrProviderUnavailable,
				"exchanging authorization code: %v", err)
		}
		return types.PluginConnection{}, trace.WrapWithMessage(ErrTokenExchangeFailed, "%v", err)
	}

	conn, err := b.Store.UpsertPluginConnection(ctx, types.PluginConnection{
		UserID:      entry.userID,
		PluginID:    entry.pluginID,
		Enabled:     true,
		Credentials: plugins.FromToken(token),
	})
	if err != nil {
		return types.PluginConnection{}, trace.Wrap(err)
	}
	b.Logger.InfoContext(ctx, "Connected provider.", "plugin", entry.pluginID, "user", entry.userID)
	return conn, nil
}

// EnsureFresh returns credentials ready for API calls, refreshing them
// first when they expire within the refresh skew. Refreshed credentials
// are persisted before returning.
func (b *Broker) EnsureFresh(ctx context.Context, conn types.PluginConnection) (types.PluginCredentials, error) {
	if !conn.Credentials.ExpiresWithin(b.Clock.Now(), defaults.TokenRefreshSkew) {
		return conn.Credentials, nil
	}
	creds, err := b.Refresh(ctx, conn)
	return creds, trace.Wrap(err)
}

// Refresh redeems the connection's refresh token unconditionally; callers
// use it directly after a provider rejected the access token. A permanent
// rejection disables the connection and returns ErrRefreshFailed; provider
// outages return ErrProviderUnavailable and leave the connection as is.
func (b *Broker) Refresh(ctx context.Context, conn types.PluginConnection) (types.PluginCredentials, error) {
	plugin, err := b.Plugins.Get(conn.PluginID)
	if err != nil {
		return types.PluginCredentials{}, trace.Wrap(err)
	}
	creds, err := plugin.RefreshTokens(ctx, conn.Credentials)
	if err != nil {
		if trace.IsConnectionProblem(err) || trace.IsLimitExceeded(err) {
			return types.PluginCredentials{}, trace.WrapWithMessage(ErrProviderUnavailable,
				"refreshing %v tokens: %v", conn.PluginID, err)
		}
		b.Logger.WarnContext(ctx, "Token refresh rejected, disabling connection.",
			"plugin", conn.PluginID, "user", conn.UserID, "error", err)
		if derr := b.Store.SetPluginEnabled(ctx, conn.UserID, conn.PluginID, false); derr != nil {
			b.Logger.WarnContext(ctx, "Failed to disable connection.",
				"plugin", conn.PluginID, "user", conn.UserID, "error", derr)
		}
		return types.PluginCredentials{}, trace.WrapWithMessage(ErrRefreshFailed, "%v", err)
	}
	if err := b.Store.UpdatePluginCredentials(ctx, conn.UserID, conn.PluginID, creds); err != nil {
		return types.PluginCredentials{}, trace.Wrap(err)
	}
	b.Logger.DebugContext(ctx, "Refreshed provider tokens.", "plugin", conn.PluginID, "user", conn.UserID)
	return creds, nil
}

// PendingCount reports the number of unredeemed flows, for diagnostics.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Broker) sweepLoop() {
	ticker := b.Clock.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.Chan():
			b.sweep()
		}
	}
}

func (b *Broker) sweep() {
	now := b.Clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for state, entry := range b.pending {
		if now.After(entry.expiresAt) {
			delete(b.pending, state)
		}
	}
}
