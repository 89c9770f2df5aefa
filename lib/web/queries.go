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

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/goalpost-dev/goalpost/lib/events"
	"github.com/goalpost-dev/goalpost/lib/httplib"
	"github.com/goalpost-dev/goalpost/lib/queries"
	"github.com/goalpost-dev/goalpost/lib/types"
)

func (h *Handler) listQueries(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	var typ types.QueryType
	if val := r.URL.Query().Get("type"); val != "" {
		if err := typ.Parse(val); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	list, err := h.Store.ListSavedQueries(r.Context(), actx.user.ID, typ)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return list, nil
}

func (h *Handler) createQuery(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	var query types.SavedQuery
	if err := httplib.ReadJSON(r, &query); err != nil {
		return nil, trace.Wrap(err)
	}
	query.UserID = actx.user.ID
	created, err := h.Store.CreateSavedQuery(r.Context(), query)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.Events.Publish(actx.user.ID, events.TagQueries)
	return created, nil
}

func (h *Handler) getQuery(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	query, err := h.Store.GetSavedQuery(r.Context(), actx.user.ID, p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return query, nil
}

func (h *Handler) updateQuery(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	var query types.SavedQuery
	if err := httplib.ReadJSON(r, &query); err != nil {
		return nil, trace.Wrap(err)
	}
	query.ID = p.ByName("id")
	query.UserID = actx.user.ID
	updated, err := h.Store.UpdateSavedQuery(r.Context(), query)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.Events.Publish(actx.user.ID, events.TagQueries)
	return updated, nil
}

func (h *Handler) deleteQuery(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	if err := h.Store.DeleteSavedQuery(r.Context(), actx.user.ID, p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	h.Events.Publish(actx.user.ID, events.TagQueries)
	return ok(), nil
}

type runQueryReq struct {
	Code   string         `json:"code,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// runQuery executes a stored query, or inline code when the path id is the
// reserved execute action. Script failures are part of the outcome body;
// only rate limits and missing queries become HTTP errors.
func (h *Handler) runQuery(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	var req runQueryReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	exec := queries.Request{Params: req.Params}
	if id := p.ByName("id"); id == "execute" {
		if req.Code == "" {
			return nil, trace.BadParameter("missing parameter code")
		}
		exec.Code = req.Code
	} else {
		exec.QueryID = id
	}
	outcome, err := h.Executor.Execute(r.Context(), actx.user.ID, exec)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return outcome, nil
}
