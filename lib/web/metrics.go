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
	"github.com/goalpost-dev/goalpost/lib/types"
)

func (h *Handler) listTemplates(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	templates, err := h.Flex.ListTemplates(r.Context(), actx.user.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return templates, nil
}

func (h *Handler) createTemplate(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	var tpl types.MetricsTemplate
	if err := httplib.ReadJSON(r, &tpl); err != nil {
		return nil, trace.Wrap(err)
	}
	tpl.UserID = actx.user.ID
	created, err := h.Flex.CreateTemplate(r.Context(), tpl)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.Events.Publish(actx.user.ID, events.TagMetrics)
	return created, nil
}

func (h *Handler) getTemplate(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	tpl, err := h.Flex.GetTemplate(r.Context(), actx.user.ID, p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return tpl, nil
}

func (h *Handler) updateTemplate(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	var tpl types.MetricsTemplate
	if err := httplib.ReadJSON(r, &tpl); err != nil {
		return nil, trace.Wrap(err)
	}
	tpl.ID = p.ByName("id")
	tpl.UserID = actx.user.ID
	updated, err := h.Flex.UpdateTemplate(r.Context(), tpl)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.Events.Publish(actx.user.ID, events.TagMetrics)
	return updated, nil
}

func (h *Handler) deleteTemplate(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	if err := h.Flex.DeleteTemplate(r.Context(), actx.user.ID, p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	h.Events.Publish(actx.user.ID, events.TagMetrics)
	return ok(), nil
}

func (h *Handler) getFlexibleMetrics(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	resolution, err := h.Flex.Resolve(r.Context(), actx.user.ID, p.ByName("date"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return resolution, nil
}

type putMetricsReq struct {
	Values map[string]any `json:"values"`
}

// putFlexibleMetrics stores the day's input values and returns the fresh
// resolution, computed metrics included.
func (h *Handler) putFlexibleMetrics(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	var req putMetricsReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	resolution, err := h.Flex.PutValues(r.Context(), actx.user.ID, p.ByName("date"), req.Values)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.Events.Publish(actx.user.ID, events.TagMetrics, events.TagDaily)
	return resolution, nil
}
