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
	"time"

	"github.com/gravitational/trace"
)

// PluginCredentials holds the OAuth2 tokens of one user's connection to
// one provider. ExpiresAt is unix seconds; zero means the provider did not
// report an expiry.
type PluginCredentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"`
	TokenType    string `json:"tokenType,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Check validates that the credentials can authenticate requests.
func (c *PluginCredentials) Check() error {
	if c.AccessToken == "" {
		return trace.BadParameter("missing parameter AccessToken")
	}
	return nil
}

// Expiry returns the access token expiry as a time, or the zero time when
// the provider did not report one.
func (c *PluginCredentials) Expiry() time.Time {
	if c.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(c.ExpiresAt, 0)
}

// ExpiresWithin reports whether the access token expires within skew of
// now. Tokens without a reported expiry never do.
func (c *PluginCredentials) ExpiresWithin(now time.Time, skew time.Duration) bool {
	if c.ExpiresAt == 0 {
		return false
	}
	return c.Expiry().Before(now.Add(skew))
}

// PluginConnection ties a user to a configured provider. Disabled
// connections keep their credentials but are skipped by sync.
type PluginConnection struct {
	UserID      string            `json:"userId"`
	PluginID    string            `json:"pluginId"`
	Enabled     bool              `json:"enabled"`
	Credentials PluginCredentials `json:"credentials"`
	LastSync    *time.Time        `json:"lastSync,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// CheckAndSetDefaults does basic validation and default setting.
func (p *PluginConnection) CheckAndSetDefaults() error {
	if p.UserID == "" {
		return trace.BadParameter("missing parameter UserID")
	}
	if p.PluginID == "" {
		return trace.BadParameter("missing parameter PluginID")
	}
	return trace.Wrap(p.Credentials.Check())
}
