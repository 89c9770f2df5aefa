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

package plugins

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/gravitational/trace"

	"github.com/goalpost-dev/goalpost/lib/defaults"
	"github.com/goalpost-dev/goalpost/lib/expression"
	"github.com/goalpost-dev/goalpost/lib/types"
)

// OuraID is the registry id of the Oura provider.
const OuraID = "oura"

// Oura field ids.
const (
	OuraFieldSleepScore     = "sleep_score"
	OuraFieldReadinessScore = "readiness_score"
	OuraFieldTotalSleep     = "total_sleep"
)

// OuraConfig configures the Oura provider.
type OuraConfig struct {
	// Settings resolves the admin-supplied client id and secret.
	Settings Settings
	// Client is the HTTP client for API calls.
	Client *http.Client
	// APIURL overrides the Oura API base, for tests.
	APIURL string
	// AuthURL overrides the authorization endpoint, for tests.
	AuthURL string
	// TokenURL overrides the token endpoint, for tests.
	TokenURL string
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *OuraConfig) CheckAndSetDefaults() error {
	if c.Settings == nil {
		return trace.BadParameter("missing parameter Settings")
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: defaults.SyncRequestTimeout}
	}
	if c.APIURL == "" {
		c.APIURL = "https://api.ouraring.com"
	}
	if c.AuthURL == "" {
		c.AuthURL = "https://cloud.ouraring.com/oauth/authorize"
	}
	if c.TokenURL == "" {
		c.TokenURL = "https://api.ouraring.com/oauth/token"
	}
	return nil
}

// Oura syncs sleep and readiness data from the Oura ring cloud API.
type Oura struct {
	cfg OuraConfig
}

var _ Plugin = (*Oura)(nil)

// NewOura creates the Oura provider.
func NewOura(cfg OuraConfig) (*Oura, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Oura{cfg: cfg}, nil
}

// ID returns the registry id.
func (p *Oura) ID() string { return OuraID }

// Name returns the provider name.
func (p *Oura) Name() string { return "Oura" }

// Description says what the provider delivers.
func (p *Oura) Description() string {
	return "Sleep score, readiness and total sleep time from your Oura ring."
}

// Icon names the UI icon.
func (p *Oura) Icon() string { return "moon" }

// AdminConfigFields describes the setup form. Oura applications always
// require a client secret.
func (p *Oura) AdminConfigFields() []ConfigField {
	return []ConfigField{
		{
			Key:         "client_id",
			Label:       "OAuth client ID",
			Type:        ConfigText,
			Required:    true,
			Description: "Client ID of your registered Oura application.",
		},
		{
			Key:      "client_secret",
			Label:    "OAuth client secret",
			Type:     ConfigPassword,
			Required: true,
		},
	}
}

// SetupInfo renders the values the admin pastes into the Oura cloud
// console.
func (p *Oura) SetupInfo(ctx context.Context) ([]SetupItem, error) {
	baseURL, err := p.cfg.Settings.BaseURL(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return []SetupItem{
		{Label: "Redirect URI", Value: RedirectURI(baseURL, OuraID), Copyable: true},
	}, nil
}

// IsConfigured reports whether both client id and secret are supplied.
func (p *Oura) IsConfigured(ctx context.Context) (bool, error) {
	for _, key := range []string{"client_id", "client_secret"} {
		value, ok, err := p.cfg.Settings.Get(ctx, types.PluginConfigKey(OuraID, key))
		if err != nil {
			return false, trace.Wrap(err)
		}
		if !ok || value == "" {
			return false, nil
		}
	}
	return true, nil
}

// OAuthConfig resolves the OAuth2 endpoints and client credentials.
func (p *Oura) OAuthConfig(ctx context.Context) (OAuthConfig, error) {
	clientID, ok, err := p.cfg.Settings.Get(ctx, types.PluginConfigKey(OuraID, "client_id"))
	if err != nil {
		return OAuthConfig{}, trace.Wrap(err)
	}
	if !ok || clientID == "" {
		return OAuthConfig{}, trace.NotFound("oura is not configured: missing client id")
	}
	clientSecret, ok, err := p.cfg.Settings.Get(ctx, types.PluginConfigKey(OuraID, "client_secret"))
	if err != nil {
		return OAuthConfig{}, trace.Wrap(err)
	}
	if !ok || clientSecret == "" {
		return OAuthConfig{}, trace.NotFound("oura is not configured: missing client secret")
	}
	baseURL, err := p.cfg.Settings.BaseURL(ctx)
	if err != nil {
		return OAuthConfig{}, trace.Wrap(err)
	}
	return OAuthConfig{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AuthURL:      p.cfg.AuthURL,
		TokenURL:     p.cfg.TokenURL,
		Scopes:       []string{"daily", "personal"},
		RedirectURI:  RedirectURI(baseURL, OuraID),
		UsePKCE:      true,
	}, nil
}

// AvailableFields declares the synced fields.
func (p *Oura) AvailableFields() []Field {
	return []Field{
		{ID: OuraFieldSleepScore, Name: "Sleep score", Type: FieldNumber,
			Description: "Oura sleep score, 0-100."},
		{ID: OuraFieldReadinessScore, Name: "Readiness score", Type: FieldNumber,
			Description: "Oura readiness score, 0-100."},
		{ID: OuraFieldTotalSleep, Name: "Total sleep", Type: FieldTime,
			Description: "Total time asleep per night, summed over sessions."},
	}
}

// ValidateCredentials probes the personal info endpoint.
func (p *Oura) ValidateCredentials(ctx context.Context, creds types.PluginCredentials) (bool, error) {
	var info struct {
		ID string `json:"id"`
	}
	err := getJSON(ctx, p.cfg.Client, creds.AccessToken, p.cfg.APIURL+"/v2/usercollection/personal_info", &info)
	if err != nil {
		if trace.IsAccessDenied(err) {
			return false, nil
		}
		return false, trace.Wrap(err)
	}
	return true, nil
}

// RefreshTokens redeems the refresh token.
func (p *Oura) RefreshTokens(ctx context.Context, creds types.PluginCredentials) (types.PluginCredentials, error) {
	cfg, err := p.OAuthConfig(ctx)
	if err != nil {
		return types.PluginCredentials{}, trace.Wrap(err)
	}
	out, err := RefreshCredentials(ctx, cfg, creds, p.cfg.Client)
	return out, trace.Wrap(err)
}

// FetchData pulls the requested fields for the inclusive date range and
// merges them into day-keyed records.
func (p *Oura) FetchData(ctx context.Context, creds types.PluginCredentials, start, end string, fields []string) ([]Record, error) {
	merger := newRecordMerger()
	for _, field := range fields {
		switch field {
		case OuraFieldSleepScore:
			if err := p.mergeScores(ctx, creds, "daily_sleep", field, start, end, merger); err != nil {
				return nil, trace.Wrap(err)
			}
		case OuraFieldReadinessScore:
			if err := p.mergeScores(ctx, creds, "daily_readiness", field, start, end, merger); err != nil {
				return nil, trace.Wrap(err)
			}
		case OuraFieldTotalSleep:
			if err := p.mergeTotalSleep(ctx, creds, start, end, merger); err != nil {
				return nil, trace.Wrap(err)
			}
		}
	}
	return merger.records(), nil
}

// mergeScores walks one of the daily score collections.
func (p *Oura) mergeScores(ctx context.Context, creds types.PluginCredentials, route, field, start, end string, merger *recordMerger) error {
	type entry struct {
		Day   string   `json:"day"`
		Score *float64 `json:"score"`
	}
	err := p.collection(ctx, creds, route, start, end, func(raw json.RawMessage) error {
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return trace.BadParameter("malformed oura %v entry: %v", route, err)
		}
		if e.Score != nil {
			merger.add(e.Day, field, *e.Score)
		}
		return nil
	})
	return trace.Wrap(err)
}

// mergeTotalSleep sums session durations per day from the detailed sleep
// collection; nights with several sessions contribute all of them.
func (p *Oura) mergeTotalSleep(ctx context.Context, creds types.PluginCredentials, start, end string, merger *recordMerger) error {
	type entry struct {
		Day          string  `json:"day"`
		DurationSecs float64 `json:"total_sleep_duration"`
	}
	totals := make(map[string]float64)
	err := p.collection(ctx, creds, "sleep", start, end, func(raw json.RawMessage) error {
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return trace.BadParameter("malformed oura sleep entry: %v", err)
		}
		totals[e.Day] += e.DurationSecs
		return nil
	})
	if err != nil {
		return trace.Wrap(err)
	}
	for day, seconds := range totals {
		if seconds > 0 {
			merger.add(day, OuraFieldTotalSleep, expression.FormatClock(seconds/60))
		}
	}
	return nil
}

// collection walks one usercollection route page by page, feeding every
// data entry to fn.
func (p *Oura) collection(ctx context.Context, creds types.PluginCredentials, route, start, end string, fn func(json.RawMessage) error) error {
	next := ""
	for {
		q := url.Values{}
		q.Set("start_date", start)
		q.Set("end_date", end)
		if next != "" {
			q.Set("next_token", next)
		}
		var page struct {
			Data      []json.RawMessage `json:"data"`
			NextToken string            `json:"next_token"`
		}
		endpoint := p.cfg.APIURL + "/v2/usercollection/" + route + "?" + q.Encode()
		if err := getJSON(ctx, p.cfg.Client, creds.AccessToken, endpoint, &page); err != nil {
			return trace.Wrap(err)
		}
		for _, raw := range page.Data {
			if err := fn(raw); err != nil {
				return trace.Wrap(err)
			}
		}
		if page.NextToken == "" {
			return nil
		}
		next = page.NextToken
	}
}
