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

package settings

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goalpost-dev/goalpost/lib/storage"
	"github.com/goalpost-dev/goalpost/lib/types"
)

func newSettings(t *testing.T) *Settings {
	t.Helper()
	store, err := storage.New(context.Background(), storage.Config{
		Path: filepath.Join(t.TempDir(), "goalpost.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	settings, err := New(Config{Store: store})
	require.NoError(t, err)
	return settings
}

func TestEnvVarForKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{key: "global.base_url", want: "PUBLIC_BASE_URL"},
		{key: "global.admin_username", want: "ADMIN_USERNAME"},
		{key: "plugin.fitbit.client_id", want: "PLUGIN_FITBIT_CLIENT_ID"},
		{key: "plugin.fitbit.client_secret", want: "PLUGIN_FITBIT_CLIENT_SECRET"},
		{key: "plugin.oura.client_id", want: "PLUGIN_OURA_CLIENT_ID"},
		{key: "global.unknown", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			require.Equal(t, tt.want, EnvVarForKey(tt.key))
		})
	}
}

func TestGetPrecedence(t *testing.T) {
	settings := newSettings(t)
	ctx := context.Background()

	// Nothing configured anywhere.
	_, ok, err := settings.Get(ctx, "plugin.fitbit.client_id")
	require.NoError(t, err)
	require.False(t, ok)

	// Environment fallback kicks in when the store has no row.
	t.Setenv("PLUGIN_FITBIT_CLIENT_ID", "env-client")
	value, ok, err := settings.Get(ctx, "plugin.fitbit.client_id")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "env-client", value)

	// A stored value wins over the environment.
	require.NoError(t, settings.PutMany(ctx, []types.ConfigEntry{
		{Key: "plugin.fitbit.client_id", Value: "db-client"},
	}))
	value, ok, err = settings.Get(ctx, "plugin.fitbit.client_id")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "db-client", value)

	// Deleting the row exposes the environment again.
	require.NoError(t, settings.Delete(ctx, "plugin.fitbit.client_id"))
	value, ok, err = settings.Get(ctx, "plugin.fitbit.client_id")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "env-client", value)
}

func TestPutManyInvalidatesCache(t *testing.T) {
	settings := newSettings(t)
	ctx := context.Background()

	require.NoError(t, settings.PutMany(ctx, []types.ConfigEntry{
		{Key: types.ConfigBaseURL, Value: "https://one.example.com"},
	}))
	value, ok, err := settings.Get(ctx, types.ConfigBaseURL)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "https://one.example.com", value)

	// The second write must be visible despite the prior cached read.
	require.NoError(t, settings.PutMany(ctx, []types.ConfigEntry{
		{Key: types.ConfigBaseURL, Value: "https://two.example.com"},
	}))
	value, _, err = settings.Get(ctx, types.ConfigBaseURL)
	require.NoError(t, err)
	require.Equal(t, "https://two.example.com", value)
}

func TestGetAllRedaction(t *testing.T) {
	settings := newSettings(t)
	ctx := context.Background()

	require.NoError(t, settings.PutMany(ctx, []types.ConfigEntry{
		{Key: types.ConfigBaseURL, Value: "https://goals.example.com"},
		{Key: "plugin.fitbit.client_secret", Value: "hunter2", IsSecret: true},
	}))

	entries, err := settings.GetAll(ctx, false)
	require.NoError(t, err)
	byKey := map[string]types.ConfigEntry{}
	for _, entry := range entries {
		byKey[entry.Key] = entry
	}
	require.Equal(t, "https://goals.example.com", byKey[types.ConfigBaseURL].Value)
	require.NotEqual(t, "hunter2", byKey["plugin.fitbit.client_secret"].Value)

	entries, err = settings.GetAll(ctx, true)
	require.NoError(t, err)
	byKey = map[string]types.ConfigEntry{}
	for _, entry := range entries {
		byKey[entry.Key] = entry
	}
	require.Equal(t, "hunter2", byKey["plugin.fitbit.client_secret"].Value)
}

func TestBaseURL(t *testing.T) {
	settings := newSettings(t)
	ctx := context.Background()

	_, err := settings.BaseURL(ctx)
	require.Error(t, err)

	require.NoError(t, settings.PutMany(ctx, []types.ConfigEntry{
		{Key: types.ConfigBaseURL, Value: "https://goals.example.com/"},
	}))
	url, err := settings.BaseURL(ctx)
	require.NoError(t, err)
	require.Equal(t, "https://goals.example.com", url)
}
