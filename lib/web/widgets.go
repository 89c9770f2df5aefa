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

func (h *Handler) listWidgets(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	widgets, err := h.Store.ListWidgets(r.Context(), actx.user.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return widgets, nil
}

func (h *Handler) createWidget(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	var widget types.DashboardWidget
	if err := httplib.ReadJSON(r, &widget); err != nil {
		return nil, trace.Wrap(err)
	}
	widget.UserID = actx.user.ID
	created, err := h.Store.CreateWidget(r.Context(), widget)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.Events.Publish(actx.user.ID, events.TagWidgets)
	return created, nil
}

func (h *Handler) getWidget(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	widget, err := h.Store.GetWidget(r.Context(), actx.user.ID, p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return widget, nil
}

func (h *Handler) updateWidget(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	var widget types.DashboardWidget
	if err := httplib.ReadJSON(r, &widget); err != nil {
		return nil, trace.Wrap(err)
	}
	widget.ID = p.ByName("id")
	widget.UserID = actx.user.ID
	updated, err := h.Store.UpdateWidget(r.Context(), widget)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.Events.Publish(actx.user.ID, events.TagWidgets)
	return updated, nil
}

func (h *Handler) deleteWidget(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	if err := h.Store.DeleteWidget(r.Context(), actx.user.ID, p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	h.Events.Publish(actx.user.ID, events.TagWidgets)
	return ok(), nil
}
