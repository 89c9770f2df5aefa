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
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/goalpost-dev/goalpost/lib/defaults"
	"github.com/goalpost-dev/goalpost/lib/httplib"
	"github.com/goalpost-dev/goalpost/lib/storage"
	"github.com/goalpost-dev/goalpost/lib/types"
)

type configResponse struct {
	Entries []types.ConfigEntry `json:"entries"`
}

// getConfig lists instance settings with secret values redacted. Secrets
// are write-only through this API.
func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	entries, err := h.Settings.GetAll(r.Context(), false)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return configResponse{Entries: entries}, nil
}

type putConfigReq struct {
	Entries []types.ConfigEntry `json:"entries"`
}

// putConfig upserts instance settings. Redacted placeholders coming back
// from GET are dropped rather than written over the stored secret.
func (h *Handler) putConfig(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	var req putConfigReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	filtered := make([]types.ConfigEntry, 0, len(req.Entries))
	for _, entry := range req.Entries {
		if entry.IsSecret && entry.Value == types.RedactedValue {
			continue
		}
		filtered = append(filtered, entry)
	}
	if err := h.Settings.PutMany(r.Context(), filtered); err != nil {
		return nil, trace.Wrap(err)
	}
	return ok(), nil
}

type executionLogsResponse struct {
	Items []types.ExecutionLog `json:"items"`
	// NextBefore, when set, is the cursor for the next older page.
	NextBefore *time.Time `json:"nextBefore,omitempty"`
}

// listExecutionLogs pages through the script audit log, newest first.
func (h *Handler) listExecutionLogs(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	q := r.URL.Query()
	filter := storage.ExecutionFilter{UserID: q.Get("userId")}
	if val := q.Get("before"); val != "" {
		cursor, err := time.Parse(time.RFC3339, val)
		if err != nil {
			return nil, trace.BadParameter("before must be an RFC3339 timestamp, got %q", val)
		}
		filter.Before = cursor
	}
	if val := q.Get("limit"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			return nil, trace.BadParameter("limit must be a positive integer, got %q", val)
		}
		filter.Limit = n
	}
	items, err := h.Store.ListExecutions(r.Context(), filter)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	resp := executionLogsResponse{Items: items}
	limit := filter.Limit
	if limit <= 0 || limit > defaults.ExecutionLogPageSize {
		limit = defaults.ExecutionLogPageSize
	}
	if len(items) == limit {
		resp.NextBefore = &items[len(items)-1].CreatedAt
	}
	return resp, nil
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return users, nil
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	var user types.User
	if err := httplib.ReadJSON(r, &user); err != nil {
		return nil, trace.Wrap(err)
	}
	created, err := h.Store.CreateUser(r.Context(), user)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return created, nil
}

func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	var user types.User
	if err := httplib.ReadJSON(r, &user); err != nil {
		return nil, trace.Wrap(err)
	}
	user.ID = p.ByName("id")
	updated, err := h.Store.UpdateUser(r.Context(), user)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return updated, nil
}
