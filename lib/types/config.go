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

package types

import (
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// Instance configuration keys. Plugin keys follow "plugin.<id>.<field>".
const (
	// ConfigBaseURL is the public URL this instance is reachable at,
	// used to derive OAuth redirect URIs.
	ConfigBaseURL = "global.base_url"
	// ConfigAdminUsername names the user granted admin on bootstrap.
	ConfigAdminUsername = "global.admin_username"
)

// PluginConfigKey builds the config key for one field of one plugin.
func PluginConfigKey(pluginID, field string) string {
	return "plugin." + pluginID + "." + field
}

// ConfigEntry is one instance-wide configuration row. Secret values are
// redacted in listings for non-admin callers.
type ConfigEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	IsSecret  bool      `json:"isSecret"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CheckAndSetDefaults does basic validation and default setting.
func (e *ConfigEntry) CheckAndSetDefaults() error {
	if e.Key == "" {
		return trace.BadParameter("missing parameter Key")
	}
	if !strings.HasPrefix(e.Key, "global.") && !strings.HasPrefix(e.Key, "plugin.") {
		return trace.BadParameter("config key %q must start with global. or plugin.", e.Key)
	}
	return nil
}

// RedactedValue stands in for secret values in redacted listings. Writers
// must drop entries carrying it so a read-modify-write cycle cannot
// clobber a stored secret.
const RedactedValue = "********"

// Redacted returns a copy safe to show in listings.
func (e ConfigEntry) Redacted() ConfigEntry {
	if e.IsSecret && e.Value != "" {
		e.Value = RedactedValue
	}
	return e
}
