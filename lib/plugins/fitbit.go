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
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/goalpost-dev/goalpost/lib/defaults"
	"github.com/goalpost-dev/goalpost/lib/expression"
	"github.com/goalpost-dev/goalpost/lib/types"
)

// FitbitID is the registry id of the Fitbit provider.
const FitbitID = "fitbit"

// Fitbit field ids.
const (
	FitbitFieldSteps         = "steps"
	FitbitFieldSleep         = "sleep"
	FitbitFieldRestingHR     = "resting_heart_rate"
	FitbitFieldActiveMinutes = "active_minutes"
)

// FitbitConfig configures the Fitbit provider.
type FitbitConfig struct {
	// Settings resolves the admin-supplied client id and secret.
	Settings Settings
	// Client is the HTTP client for API calls.
	Client *http.Client
	// APIURL overrides the Fitbit API base, for tests.
	APIURL string
	// AuthURL overrides the authorization endpoint, for tests.
	AuthURL string
	// TokenURL overrides the token endpoint, for tests.
	TokenURL string
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *FitbitConfig) CheckAndSetDefaults() error {
	if c.Settings == nil {
		return trace.BadParameter("missing parameter Settings")
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: defaults.SyncRequestTimeout}
	}
	if c.APIURL == "" {
		c.APIURL = "https://api.fitbit.com"
	}
	if c.AuthURL == "" {
		c.AuthURL = "https://www.fitbit.com/oauth2/authorize"
	}
	if c.TokenURL == "" {
		c.TokenURL = "https://api.fitbit.com/oauth2/token"
	}
	return nil
}

// Fitbit syncs activity, sleep and heart data from the Fitbit web API.
// Fitbit supports PKCE public clients, so the client secret is optional.
type Fitbit struct {
	cfg FitbitConfig
}

var _ Plugin = (*Fitbit)(nil)

// NewFitbit creates the Fitbit provider.
func NewFitbit(cfg FitbitConfig) (*Fitbit, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Fitbit{cfg: cfg}, nil
}

// ID returns the registry id.
func (p *Fitbit) ID() string { return FitbitID }

// Name returns the provider name.
func (p *Fitbit) Name() string { return "Fitbit" }

// Description says what the provider delivers.
func (p *Fitbit) Description() string {
	return "Daily steps, sleep, resting heart rate and active minutes from your Fitbit account."
}

// Icon names the UI icon.
func (p *Fitbit) Icon() string { return "activity" }

// AdminConfigFields describes the setup form.
func (p *Fitbit) AdminConfigFields() []ConfigField {
	return []ConfigField{
		{
			Key:         "client_id",
			Label:       "OAuth client ID",
			Type:        ConfigText,
			Required:    true,
			Description: "Client ID of your registered Fitbit application.",
			Placeholder: "23ABCD",
		},
		{
			Key:         "client_secret",
			Label:       "OAuth client secret",
			Type:        ConfigPassword,
			Description: "Leave empty for a public (PKCE-only) Fitbit application.",
		},
	}
}

// SetupInfo renders the values the admin pastes into the Fitbit developer
// console.
func (p *Fitbit) SetupInfo(ctx context.Context) ([]SetupItem, error) {
	baseURL, err := p.cfg.Settings.BaseURL(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return []SetupItem{
		{Label: "Redirect URL", Value: RedirectURI(baseURL, FitbitID), Copyable: true},
		{Label: "OAuth 2.0 Application Type", Value: "Personal"},
		{Label: "Default Access Type", Value: "Read Only"},
	}, nil
}

// IsConfigured reports whether a client id has been supplied.
func (p *Fitbit) IsConfigured(ctx context.Context) (bool, error) {
	clientID, ok, err := p.cfg.Settings.Get(ctx, types.PluginConfigKey(FitbitID, "client_id"))
	if err != nil {
		return false, trace.Wrap(err)
	}
	return ok && clientID != "", nil
}

// OAuthConfig resolves the OAuth2 endpoints and client credentials.
func (p *Fitbit) OAuthConfig(ctx context.Context) (OAuthConfig, error) {
	clientID, ok, err := p.cfg.Settings.Get(ctx, types.PluginConfigKey(FitbitID, "client_id"))
	if err != nil {
		return OAuthConfig{}, trace.Wrap(err)
	}
	if !ok || clientID == "" {
		return OAuthConfig{}, trace.NotFound("fitbit is not configured: missing client id")
	}
	clientSecret, _, err := p.cfg.Settings.Get(ctx, types.PluginConfigKey(FitbitID, "client_secret"))
	if err != nil {
		return OAuthConfig{}, trace.Wrap(err)
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
		Scopes:       []string{"activity", "heartrate", "sleep", "profile"},
		RedirectURI:  RedirectURI(baseURL, FitbitID),
		UsePKCE:      true,
	}, nil
}

// AvailableFields declares the synced fields.
func (p *Fitbit) AvailableFields() []Field {
	return []Field{
		{ID: FitbitFieldSteps, Name: "Steps", Type: FieldNumber, Unit: "steps",
			Description: "Total steps per day."},
		{ID: FitbitFieldSleep, Name: "Sleep", Type: FieldTime,
			Description: "Time asleep per night."},
		{ID: FitbitFieldRestingHR, Name: "Resting heart rate", Type: FieldNumber, Unit: "bpm",
			Description: "Resting heart rate per day."},
		{ID: FitbitFieldActiveMinutes, Name: "Active minutes", Type: FieldNumber, Unit: "min",
			Description: "Fairly plus very active minutes per day."},
	}
}

// ValidateCredentials probes the profile endpoint.
func (p *Fitbit) ValidateCredentials(ctx context.Context, creds types.PluginCredentials) (bool, error) {
	var profile struct {
		User struct {
			EncodedID string `json:"encodedId"`
		} `json:"user"`
	}
	err := getJSON(ctx, p.cfg.Client, creds.AccessToken, p.cfg.APIURL+"/1/user/-/profile.json", &profile)
	if err != nil {
		if trace.IsAccessDenied(err) {
			return false, nil
		}
		return false, trace.Wrap(err)
	}
	return true, nil
}

// RefreshTokens redeems the refresh token.
func (p *Fitbit) RefreshTokens(ctx context.Context, creds types.PluginCredentials) (types.PluginCredentials, error) {
	cfg, err := p.OAuthConfig(ctx)
	if err != nil {
		return types.PluginCredentials{}, trace.Wrap(err)
	}
	out, err := RefreshCredentials(ctx, cfg, creds, p.cfg.Client)
	return out, trace.Wrap(err)
}

// FetchData pulls the requested fields for the inclusive date range and
// merges them into day-keyed records.
func (p *Fitbit) FetchData(ctx context.Context, creds types.PluginCredentials, start, end string, fields []string) ([]Record, error) {
	merger := newRecordMerger()
	for _, field := range fields {
		switch field {
		case FitbitFieldSteps:
			entries, err := p.timeSeries(ctx, creds, "activities/steps", start, end)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			for _, e := range entries {
				if v, err := strconv.ParseFloat(e.Value, 64); err == nil {
					merger.add(e.Date, field, v)
				}
			}
		case FitbitFieldSleep:
			entries, err := p.timeSeries(ctx, creds, "sleep/minutesAsleep", start, end)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			for _, e := range entries {
				if v, err := strconv.ParseFloat(e.Value, 64); err == nil && v > 0 {
					merger.add(e.Date, field, expression.FormatClock(v))
				}
			}
		case FitbitFieldRestingHR:
			entries, err := p.heartSeries(ctx, creds, start, end)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			for _, e := range entries {
				if e.Value.RestingHeartRate > 0 {
					merger.add(e.Date, field, e.Value.RestingHeartRate)
				}
			}
		case FitbitFieldActiveMinutes:
			if err := p.mergeActiveMinutes(ctx, creds, start, end, merger); err != nil {
				return nil, trace.Wrap(err)
			}
		}
	}
	return merger.records(), nil
}

// mergeActiveMinutes sums the fairly and very active series per day, the
// same definition the Fitbit dashboard uses for active minutes.
func (p *Fitbit) mergeActiveMinutes(ctx context.Context, creds types.PluginCredentials, start, end string, merger *recordMerger) error {
	totals := make(map[string]float64)
	for _, resource := range []string{"activities/minutesFairlyActive", "activities/minutesVeryActive"} {
		entries, err := p.timeSeries(ctx, creds, resource, start, end)
		if err != nil {
			return trace.Wrap(err)
		}
		for _, e := range entries {
			if v, err := strconv.ParseFloat(e.Value, 64); err == nil {
				totals[e.Date] += v
			}
		}
	}
	for date, total := range totals {
		merger.add(date, FitbitFieldActiveMinutes, total)
	}
	return nil
}

type fitbitSeriesEntry struct {
	Date  string `json:"dateTime"`
	Value string `json:"value"`
}

// timeSeries fetches one Fitbit time-series resource. The response keys
// the entry list under the resource path with slashes turned into dashes.
func (p *Fitbit) timeSeries(ctx context.Context, creds types.PluginCredentials, resource, start, end string) ([]fitbitSeriesEntry, error) {
	url := fmt.Sprintf("%s/1/user/-/%s/date/%s/%s.json", p.cfg.APIURL, resource, start, end)
	var payload map[string]json.RawMessage
	if err := getJSON(ctx, p.cfg.Client, creds.AccessToken, url, &payload); err != nil {
		return nil, trace.Wrap(err)
	}
	key := strings.ReplaceAll(resource, "/", "-")
	raw, ok := payload[key]
	if !ok {
		return nil, trace.BadParameter("fitbit response is missing the %q series", key)
	}
	var entries []fitbitSeriesEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, trace.BadParameter("malformed fitbit %q series: %v", key, err)
	}
	return entries, nil
}

type fitbitHeartEntry struct {
	Date  string `json:"dateTime"`
	Value struct {
		RestingHeartRate float64 `json:"restingHeartRate"`
	} `json:"value"`
}

// heartSeries fetches the heart activity series, whose entries nest the
// resting heart rate inside a value object.
func (p *Fitbit) heartSeries(ctx context.Context, creds types.PluginCredentials, start, end string) ([]fitbitHeartEntry, error) {
	url := fmt.Sprintf("%s/1/user/-/activities/heart/date/%s/%s.json", p.cfg.APIURL, start, end)
	var payload struct {
		Entries []fitbitHeartEntry `json:"activities-heart"`
	}
	if err := getJSON(ctx, p.cfg.Client, creds.AccessToken, url, &payload); err != nil {
		return nil, trace.Wrap(err)
	}
	return payload.Entries, nil
}

// recordMerger accumulates per-day fields from multiple series fetches and
// emits date-ordered records.
type recordMerger struct {
	byDate map[string]map[string]any
}

func newRecordMerger() *recordMerger {
	return &recordMerger{byDate: make(map[string]map[string]any)}
}

func (m *recordMerger) add(date, field string, value any) {
	fields, ok := m.byDate[date]
	if !ok {
		fields = make(map[string]any)
		m.byDate[date] = fields
	}
	fields[field] = value
}

func (m *recordMerger) records() []Record {
	dates := make([]string, 0, len(m.byDate))
	for date := range m.byDate {
		dates = append(dates, date)
	}
	sort.Strings(dates)
	out := make([]Record, 0, len(dates))
	for _, date := range dates {
		out = append(out, Record{Date: date, Fields: m.byDate[date]})
	}
	return out
}
