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

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/goalpost-dev/goalpost/lib/events"
	"github.com/goalpost-dev/goalpost/lib/httplib"
	"github.com/goalpost-dev/goalpost/lib/queries"
	"github.com/goalpost-dev/goalpost/lib/storage"
	"github.com/goalpost-dev/goalpost/lib/types"
)

func (h *Handler) listObjectives(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	q := r.URL.Query()
	var filter storage.ObjectiveFilter
	if val := q.Get("level"); val != "" {
		if err := filter.Level.Parse(val); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	for _, part := range []struct {
		name string
		dst  *int
	}{
		{"year", &filter.Year},
		{"month", &filter.Month},
	} {
		val := q.Get(part.name)
		if val == "" {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return nil, trace.BadParameter("%s must be an integer, got %q", part.name, val)
		}
		*part.dst = n
	}
	objectives, err := h.Store.ListObjectives(r.Context(), actx.user.ID, filter)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return objectives, nil
}

func (h *Handler) createObjective(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	var obj types.Objective
	if err := httplib.ReadJSON(r, &obj); err != nil {
		return nil, trace.Wrap(err)
	}
	obj.UserID = actx.user.ID
	created, err := h.Store.CreateObjective(r.Context(), obj)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.Events.Publish(actx.user.ID, events.TagObjectives)
	return created, nil
}

func (h *Handler) getObjective(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	obj, err := h.Store.GetObjective(r.Context(), actx.user.ID, p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return obj, nil
}

// objectiveAction dispatches POST /objectives/:id. The only action is the
// kr-progress batch evaluation, which rides the wildcard because the
// router cannot mix it with a static segment.
func (h *Handler) objectiveAction(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	if p.ByName("id") == "kr-progress" {
		return h.krProgress(w, r, p, actx)
	}
	return nil, trace.NotFound("unknown objective action %q", p.ByName("id"))
}

func (h *Handler) updateObjective(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	var obj types.Objective
	if err := httplib.ReadJSON(r, &obj); err != nil {
		return nil, trace.Wrap(err)
	}
	obj.ID = p.ByName("id")
	obj.UserID = actx.user.ID
	updated, err := h.Store.UpdateObjective(r.Context(), obj)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.Events.Publish(actx.user.ID, events.TagObjectives)
	return updated, nil
}

func (h *Handler) deleteObjective(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	if err := h.Store.DeleteObjective(r.Context(), actx.user.ID, p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	h.Events.Publish(actx.user.ID, events.TagObjectives)
	return ok(), nil
}

func (h *Handler) createKeyResult(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	var kr types.KeyResult
	if err := httplib.ReadJSON(r, &kr); err != nil {
		return nil, trace.Wrap(err)
	}
	kr.ObjectiveID = p.ByName("id")
	created, err := h.Store.CreateKeyResult(r.Context(), actx.user.ID, kr)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.Events.Publish(actx.user.ID, events.TagObjectives)
	return created, nil
}

func (h *Handler) updateKeyResult(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	var kr types.KeyResult
	if err := httplib.ReadJSON(r, &kr); err != nil {
		return nil, trace.Wrap(err)
	}
	kr.ID = p.ByName("krid")
	kr.ObjectiveID = p.ByName("id")
	updated, err := h.Store.UpdateKeyResult(r.Context(), actx.user.ID, kr)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.Events.Publish(actx.user.ID, events.TagObjectives)
	return updated, nil
}

func (h *Handler) deleteKeyResult(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	if err := h.Store.DeleteKeyResult(r.Context(), actx.user.ID, p.ByName("krid")); err != nil {
		return nil, trace.Wrap(err)
	}
	h.Events.Publish(actx.user.ID, events.TagObjectives)
	return ok(), nil
}

type krProgressReq struct {
	KRIDs []string `json:"krIds"`
}

type krProgressResponse struct {
	Results map[string]queries.KRResult `json:"results"`
}

// krProgress evaluates custom-query key results in batch. Per-KR script
// failures come back as data; the whole call fails only on infrastructure
// errors.
func (h *Handler) krProgress(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	var req krProgressReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if len(req.KRIDs) == 0 {
		return nil, trace.BadParameter("krIds must not be empty")
	}
	results, err := h.Executor.EvaluateKRs(r.Context(), actx.user.ID, req.KRIDs)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return krProgressResponse{Results: results}, nil
}
