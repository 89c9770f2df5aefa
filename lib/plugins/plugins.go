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

// Package plugins defines the contract external data providers implement
// and ships the builtin Fitbit and Oura integrations. Providers read their
// admin-supplied values (client ids, secrets) through the settings resolver
// and deliver day-keyed metric records that the sync scheduler writes into
// the store.
package plugins

import (
	"context"
	"sort"

	"github.com/gravitational/trace"

	"github.com/goalpost-dev/goalpost/lib/types"
)

// FieldType enumerates the value kinds a provider field can carry. They
// mirror the metric template value types so synced values slot directly
// into daily metrics.
type FieldType string

const (
	// FieldNumber values are float64.
	FieldNumber FieldType = "number"
	// FieldTime values are HH:MM strings.
	FieldTime FieldType = "time"
	// FieldText values are free-form strings.
	FieldText FieldType = "text"
	// FieldBoolean values are bools.
	FieldBoolean FieldType = "boolean"
)

// Field describes one metric a provider can deliver. The sync scheduler
// stores its values under the metric name "<pluginID>.<field.ID>".
type Field struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Type        FieldType `json:"type"`
	Unit        string    `json:"unit,omitempty"`
}

// ConfigFieldType enumerates the input kinds of the admin setup form.
type ConfigFieldType string

const (
	// ConfigText is a plain text input.
	ConfigText ConfigFieldType = "text"
	// ConfigPassword is a masked input stored as a secret.
	ConfigPassword ConfigFieldType = "password"
	// ConfigURL is a URL input.
	ConfigURL ConfigFieldType = "url"
)

// ConfigField describes one admin-configurable setting of a provider. Key
// is relative to the provider: the stored config key is
// types.PluginConfigKey(pluginID, Key).
type ConfigField struct {
	Key         string          `json:"key"`
	Label       string          `json:"label"`
	Type        ConfigFieldType `json:"type"`
	Required    bool            `json:"required"`
	Description string          `json:"description,omitempty"`
	Placeholder string          `json:"placeholder,omitempty"`
}

// SetupItem is one row of provider setup instructions shown to the admin,
// such as the callback URL to paste into the provider's developer console.
type SetupItem struct {
	Label    string `json:"label"`
	Value    string `json:"value"`
	Copyable bool   `json:"copyable,omitempty"`
}

// Record is one day of fetched provider data. Field keys must be ids
// declared by the provider's AvailableFields.
type Record struct {
	Date   string         `json:"date"`
	Fields map[string]any `json:"fields"`
}

// Settings is the subset of the configuration resolver providers read
// through. lib/settings.Settings satisfies it.
type Settings interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	BaseURL(ctx context.Context) (string, error)
}

// Plugin is one external data provider. Implementations are registered at
// assembly time and must be safe for concurrent use.
type Plugin interface {
	// ID is the stable identifier; it prefixes synced metric names.
	ID() string
	// Name is the human-readable provider name.
	Name() string
	// Description says what data the provider delivers.
	Description() string
	// Icon names the UI icon shown next to the provider.
	Icon() string

	// AdminConfigFields describes the provider's admin setup form.
	AdminConfigFields() []ConfigField
	// SetupInfo renders setup instructions from the current configuration,
	// such as the OAuth callback URL derived from the instance base URL.
	SetupInfo(ctx context.Context) ([]SetupItem, error)
	// IsConfigured reports whether the admin has supplied everything the
	// provider needs to run an OAuth flow.
	IsConfigured(ctx context.Context) (bool, error)
	// OAuthConfig resolves the provider's OAuth2 endpoints and client
	// credentials from the configuration.
	OAuthConfig(ctx context.Context) (OAuthConfig, error)

	// AvailableFields declares every field the provider can deliver.
	AvailableFields() []Field
	// ValidateCredentials probes the provider with the given credentials.
	// A definite rejection returns (false, nil); transport and provider
	// failures return an error.
	ValidateCredentials(ctx context.Context, creds types.PluginCredentials) (bool, error)
	// RefreshTokens redeems the refresh token and returns replacement
	// credentials.
	RefreshTokens(ctx context.Context, creds types.PluginCredentials) (types.PluginCredentials, error)
	// FetchData returns day-keyed records for the inclusive date range,
	// restricted to the requested field ids.
	FetchData(ctx context.Context, creds types.PluginCredentials, start, end string, fields []string) ([]Record, error)
}

// Registry holds the process-wide set of providers, keyed by id. The set
// is fixed at assembly time; lookups afterwards are read-only.
type Registry struct {
	plugins map[string]Plugin
}

// NewRegistry returns an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Add registers a provider under its id.
func (r *Registry) Add(p Plugin) error {
	if p == nil || p.ID() == "" {
		return trace.BadParameter("missing plugin id")
	}
	if _, ok := r.plugins[p.ID()]; ok {
		return trace.AlreadyExists("plugin %q is already registered", p.ID())
	}
	r.plugins[p.ID()] = p
	return nil
}

// Get looks up a provider by id.
func (r *Registry) Get(id string) (Plugin, error) {
	p, ok := r.plugins[id]
	if !ok {
		return nil, trace.NotFound("unknown plugin %q", id)
	}
	return p, nil
}

// All returns every registered provider ordered by id.
func (r *Registry) All() []Plugin {
	out := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// CleanRecords enforces the provider data contract on fetched records: it
// drops fields the provider did not declare and whole records whose date
// is not a valid YYYY-MM-DD day. The input is not modified.
func CleanRecords(p Plugin, records []Record) []Record {
	declared := make(map[string]bool)
	for _, f := range p.AvailableFields() {
		declared[f.ID] = true
	}
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if _, err := types.ParseDate(rec.Date); err != nil {
			continue
		}
		fields := make(map[string]any, len(rec.Fields))
		for k, v := range rec.Fields {
			if declared[k] {
				fields[k] = v
			}
		}
		if len(fields) == 0 {
			continue
		}
		out = append(out, Record{Date: rec.Date, Fields: fields})
	}
	return out
}

// RedirectURI derives the provider's OAuth callback URL from the instance
// base URL. The same value feeds OAuthConfig and the admin setup info.
func RedirectURI(baseURL, pluginID string) string {
	return baseURL + "/plugins/" + pluginID + "/callback"
}
