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

package web

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/goalpost-dev/goalpost/lib/defaults"
	"github.com/goalpost-dev/goalpost/lib/httplib"
	"github.com/goalpost-dev/goalpost/lib/plugins"
	"github.com/goalpost-dev/goalpost/lib/types"
)

// oauthStateCookie carries the state nonce between the authorization
// redirect and the provider callback.
const oauthStateCookie = "goalpost_oauth_state"

// settingsPath is where the browser lands after an OAuth flow finishes.
const settingsPath = "/settings/plugins"

// pluginStatus is one row of the provider status list.
type pluginStatus struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Icon        string          `json:"icon,omitempty"`
	Fields      []plugins.Field `json:"fields"`
	Configured  bool            `json:"configured"`
	Connected   bool            `json:"connected"`
	Enabled     bool            `json:"enabled"`
	LastSync    *time.Time      `json:"lastSync,omitempty"`
}

func (h *Handler) listPlugins(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	conns, err := h.Store.ListPluginConnections(r.Context(), actx.user.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	byPlugin := make(map[string]types.PluginConnection, len(conns))
	for _, conn := range conns {
		byPlugin[conn.PluginID] = conn
	}

	registered := h.Plugins.All()
	out := make([]pluginStatus, 0, len(registered))
	for _, plugin := range registered {
		status := pluginStatus{
			ID:          plugin.ID(),
			Name:        plugin.Name(),
			Description: plugin.Description(),
			Icon:        plugin.Icon(),
			Fields:      plugin.AvailableFields(),
		}
		configured, err := plugin.IsConfigured(r.Context())
		if err != nil {
			h.Logger.Warn("Failed to check provider configuration.",
				"plugin", plugin.ID(), "error", err)
		}
		status.Configured = configured
		if conn, found := byPlugin[plugin.ID()]; found {
			status.Connected = true
			status.Enabled = conn.Enabled
			status.LastSync = conn.LastSync
		}
		out = append(out, status)
	}
	return out, nil
}

type syncReq struct {
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`
}

type syncResponse struct {
	RecordsImported int    `json:"recordsImported"`
	Errors          string `json:"errors,omitempty"`
}

// syncPlugin triggers an on-demand sync. Caller mistakes map to HTTP
// errors; provider-side failures are reported in-band so the UI can show
// partial progress.
func (h *Handler) syncPlugin(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	var req syncReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	imported, err := h.Syncer.SyncNow(r.Context(), actx.user.ID, p.ByName("id"), req.StartDate, req.EndDate)
	if err != nil {
		if trace.IsNotFound(err) || trace.IsBadParameter(err) || trace.IsAlreadyExists(err) {
			return nil, trace.Wrap(err)
		}
		return syncResponse{RecordsImported: imported, Errors: trace.UserMessage(err)}, nil
	}
	return syncResponse{RecordsImported: imported}, nil
}

func (h *Handler) disconnectPlugin(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	if err := h.Store.DeletePluginConnection(r.Context(), actx.user.ID, p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return ok(), nil
}

// beginPluginAuth starts the provider OAuth flow and redirects the browser
// to the authorization URL. The state nonce rides a short-lived cookie so
// the callback can prove it came from the same user agent.
func (h *Handler) beginPluginAuth(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	result, err := h.Broker.Start(r.Context(), actx.user.ID, p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    result.State,
		Path:     "/plugins",
		MaxAge:   int(defaults.PendingAuthTTL / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, result.URL, http.StatusFound)
	return nil, nil
}

// completePluginAuth finishes the flow when the provider redirects back.
// There is no session on this request; identity comes from the pending
// authorization matched by state. Success and failure both land on the
// settings page.
func (h *Handler) completePluginAuth(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var cookieState string
	if cookie, err := r.Cookie(oauthStateCookie); err == nil {
		cookieState = cookie.Value
	}
	// The state cookie is single-use.
	http.SetCookie(w, &http.Cookie{Name: oauthStateCookie, Path: "/plugins", MaxAge: -1, HttpOnly: true})

	conn, err := h.Broker.Callback(r.Context(), cookieState, r.URL.Query())
	if err != nil {
		h.Logger.Warn("Plugin authorization failed.", "plugin", p.ByName("id"), "error", err)
		http.Redirect(w, r, settingsPath+"?error="+url.QueryEscape(trace.UserMessage(err)), http.StatusFound)
		return nil, nil
	}
	http.Redirect(w, r, settingsPath+"?success="+url.QueryEscape(conn.PluginID), http.StatusFound)
	return nil, nil
}
