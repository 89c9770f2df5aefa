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

// Package settings resolves runtime configuration values. Values written
// through the admin API land in the store; when a key has no stored value
// the resolver falls back to a well-known environment variable, so fresh
// deployments work from the environment alone.
package settings

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/gravitational/trace"

	"github.com/goalpost-dev/goalpost/lib/types"
)

// Store is the subset of the storage layer the resolver needs.
type Store interface {
	GetConfigEntry(ctx context.Context, key string) (types.ConfigEntry, error)
	ListConfigEntries(ctx context.Context) ([]types.ConfigEntry, error)
	UpsertConfigEntries(ctx context.Context, entries []types.ConfigEntry) error
	DeleteConfigEntry(ctx context.Context, key string) error
}

// Config configures the settings resolver.
type Config struct {
	// Store persists configuration entries.
	Store Store
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	return nil
}

// Settings reads and writes configuration entries with a process-local
// read-through cache. The cache is dropped whole on any write.
type Settings struct {
	Config

	mu    sync.RWMutex
	cache map[string]types.ConfigEntry
}

// New creates a settings resolver backed by the given store.
func New(cfg Config) (*Settings, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Settings{
		Config: cfg,
		cache:  make(map[string]types.ConfigEntry),
	}, nil
}

// Get resolves a single key. ok is false when neither the store nor the
// environment carries a value.
func (s *Settings) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	s.mu.RLock()
	entry, hit := s.cache[key]
	s.mu.RUnlock()
	if hit {
		return entry.Value, true, nil
	}

	entry, err = s.Store.GetConfigEntry(ctx, key)
	switch {
	case err == nil:
		s.mu.Lock()
		s.cache[key] = entry
		s.mu.Unlock()
		return entry.Value, true, nil
	case trace.IsNotFound(err):
		if env := EnvVarForKey(key); env != "" {
			if v, set := os.LookupEnv(env); set {
				return v, true, nil
			}
		}
		return "", false, nil
	default:
		return "", false, trace.Wrap(err)
	}
}

// GetAll lists every stored entry. Secret values are replaced with a
// placeholder unless includeSecrets is set.
func (s *Settings) GetAll(ctx context.Context, includeSecrets bool) ([]types.ConfigEntry, error) {
	entries, err := s.Store.ListConfigEntries(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if includeSecrets {
		return entries, nil
	}
	out := make([]types.ConfigEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Redacted())
	}
	return out, nil
}

// PutMany upserts entries in one transaction and drops the cache.
func (s *Settings) PutMany(ctx context.Context, entries []types.ConfigEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := s.Store.UpsertConfigEntries(ctx, entries); err != nil {
		return trace.Wrap(err)
	}
	s.invalidate()
	return nil
}

// Delete removes a stored entry and drops the cache. Environment fallbacks
// become visible again once the stored value is gone.
func (s *Settings) Delete(ctx context.Context, key string) error {
	if err := s.Store.DeleteConfigEntry(ctx, key); err != nil {
		return trace.Wrap(err)
	}
	s.invalidate()
	return nil
}

// BaseURL resolves the public base URL the service is reachable at,
// without a trailing slash.
func (s *Settings) BaseURL(ctx context.Context) (string, error) {
	value, ok, err := s.Get(ctx, types.ConfigBaseURL)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if !ok || value == "" {
		return "", trace.NotFound("base URL is not configured, set %v or %v",
			types.ConfigBaseURL, EnvVarForKey(types.ConfigBaseURL))
	}
	return strings.TrimRight(value, "/"), nil
}

func (s *Settings) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]types.ConfigEntry)
}

// EnvVarForKey maps a configuration key to its environment fallback.
// Returns "" for keys without one.
func EnvVarForKey(key string) string {
	switch key {
	case types.ConfigBaseURL:
		return "PUBLIC_BASE_URL"
	case types.ConfigAdminUsername:
		return "ADMIN_USERNAME"
	}
	if rest, ok := strings.CutPrefix(key, "plugin."); ok {
		return "PLUGIN_" + envToken(rest)
	}
	return ""
}

// envToken uppercases a dotted key fragment into env-var form, mapping
// anything outside [A-Z0-9] to underscores.
func envToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}
