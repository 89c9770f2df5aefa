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
	"errors"
	"net/http"

	"github.com/gravitational/trace"
	"golang.org/x/oauth2"

	"github.com/goalpost-dev/goalpost/lib/types"
)

// OAuthConfig carries everything needed to run the authorization-code flow
// against one provider. ClientSecret may be empty for PKCE-only public
// clients.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	Scopes       []string
	RedirectURI  string
	UsePKCE      bool
}

// Endpoint converts the provider description into an x/oauth2 client
// configuration.
func (c OAuthConfig) Endpoint() oauth2.Config {
	return oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.AuthURL,
			TokenURL: c.TokenURL,
		},
	}
}

// FromToken converts an x/oauth2 token into storable credentials.
func FromToken(t *oauth2.Token) types.PluginCredentials {
	creds := types.PluginCredentials{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
	}
	if !t.Expiry.IsZero() {
		creds.ExpiresAt = t.Expiry.Unix()
	}
	if scope, ok := t.Extra("scope").(string); ok {
		creds.Scope = scope
	}
	return creds
}

// RefreshCredentials redeems the refresh token of creds against the
// provider's token endpoint. Providers that do not rotate refresh tokens
// get the previous one carried over. A definite provider rejection comes
// back as AccessDenied; transport and provider-side failures come back as
// ConnectionProblem so the scheduler can retry them.
func RefreshCredentials(ctx context.Context, cfg OAuthConfig, creds types.PluginCredentials, client *http.Client) (types.PluginCredentials, error) {
	if creds.RefreshToken == "" {
		return types.PluginCredentials{}, trace.AccessDenied("connection has no refresh token")
	}
	if client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	}
	conf := cfg.Endpoint()
	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
	if err != nil {
		return types.PluginCredentials{}, trace.Wrap(ConvertTokenError(err))
	}
	out := FromToken(token)
	if out.RefreshToken == "" {
		out.RefreshToken = creds.RefreshToken
	}
	return out, nil
}

// ConvertTokenError classifies an x/oauth2 token endpoint error: definite
// rejections (invalid_grant and friends) become AccessDenied, everything
// else becomes a retriable ConnectionProblem.
func ConvertTokenError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		code := 0
		if retrieveErr.Response != nil {
			code = retrieveErr.Response.StatusCode
		}
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return trace.AccessDenied("token request rejected: %v", retrieveErr.ErrorCode)
		}
		return trace.ConnectionProblem(err, "token endpoint unavailable")
	}
	return trace.ConnectionProblem(err, "token request failed")
}

// getJSON performs an authenticated GET against a provider API and decodes
// the JSON response into out.
func getJSON(ctx context.Context, client *http.Client, accessToken, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "provider request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return trace.Wrap(apiError(resp))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return trace.BadParameter("malformed provider response: %v", err)
	}
	return nil
}

// apiError maps a non-200 provider response onto the error taxonomy the
// scheduler keys retries off: auth problems are AccessDenied (permanent),
// throttling is LimitExceeded and provider outages are ConnectionProblem
// (both retriable).
func apiError(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return trace.AccessDenied("provider rejected the access token: %v", resp.Status)
	case resp.StatusCode == http.StatusTooManyRequests:
		return trace.LimitExceeded("provider throttled the request: %v", resp.Status)
	case resp.StatusCode >= 500:
		return trace.ConnectionProblem(nil, "provider unavailable: %v", resp.Status)
	default:
		return trace.BadParameter("provider request failed: %v", resp.Status)
	}
}
