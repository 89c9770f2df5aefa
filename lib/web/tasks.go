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
	"context"
	"net/http"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/goalpost-dev/goalpost/lib/events"
	"github.com/goalpost-dev/goalpost/lib/httplib"
	"github.com/goalpost-dev/goalpost/lib/storage"
	"github.com/goalpost-dev/goalpost/lib/types"
)

func (h *Handler) listPeriods(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	var typ types.PeriodType
	if val := r.URL.Query().Get("type"); val != "" {
		if err := typ.Parse(val); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	periods, err := h.Store.ListPeriods(r.Context(), actx.user.ID, typ)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return periods, nil
}

func (h *Handler) getPeriod(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	period, err := h.Store.GetPeriod(r.Context(), actx.user.ID, p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return period, nil
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	filter, err := parseTaskFilter(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tasks, err := h.Store.ListTasks(r.Context(), actx.user.ID, filter)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return tasks, nil
}

func parseTaskFilter(r *http.Request) (storage.TaskFilter, error) {
	q := r.URL.Query()
	filter := storage.TaskFilter{
		PeriodID: q.Get("periodId"),
		TagID:    q.Get("tagId"),
	}
	if val := q.Get("type"); val != "" {
		if err := filter.PeriodType.Parse(val); err != nil {
			return filter, trace.Wrap(err)
		}
	}
	for _, part := range []struct {
		name string
		dst  *int
	}{
		{"year", &filter.Year},
		{"month", &filter.Month},
		{"week", &filter.Week},
		{"day", &filter.Day},
	} {
		val := q.Get(part.name)
		if val == "" {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return filter, trace.BadParameter("%s must be an integer, got %q", part.name, val)
		}
		*part.dst = n
	}
	if val := q.Get("completed"); val != "" {
		done, err := strconv.ParseBool(val)
		if err != nil {
			return filter, trace.BadParameter("completed must be a boolean, got %q", val)
		}
		filter.Completed = &done
	}
	return filter, nil
}

// createTaskReq creates a task either in an explicit period or in the
// period named by a calendar scope, which is created on first use.
type createTaskReq struct {
	types.Task
	Scope *types.PeriodScope `json:"scope,omitempty"`
}

func (h *Handler) createTask(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	var req createTaskReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	task := req.Task
	if req.Scope != nil {
		period, err := h.Store.GetOrCreatePeriod(r.Context(), actx.user.ID, *req.Scope)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		task.PeriodID = period.ID
	}
	if task.PeriodID == "" {
		return nil, trace.BadParameter("either periodId or scope is required")
	}
	created, err := h.Store.CreateTask(r.Context(), actx.user.ID, task)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.publishTaskChange(r.Context(), actx, created.PeriodID)
	return created, nil
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	task, err := h.Store.GetTask(r.Context(), actx.user.ID, p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return task, nil
}

func (h *Handler) updateTask(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	var task types.Task
	if err := httplib.ReadJSON(r, &task); err != nil {
		return nil, trace.Wrap(err)
	}
	task.ID = p.ByName("id")
	updated, err := h.Store.UpdateTask(r.Context(), actx.user.ID, task)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.publishTaskChange(r.Context(), actx, updated.PeriodID)
	return updated, nil
}

func (h *Handler) deleteTask(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	task, err := h.Store.GetTask(r.Context(), actx.user.ID, p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.Store.DeleteTask(r.Context(), actx.user.ID, task.ID); err != nil {
		return nil, trace.Wrap(err)
	}
	h.publishTaskChange(r.Context(), actx, task.PeriodID)
	return ok(), nil
}

type timerReq struct {
	Action string `json:"action"`
}

// taskTimer starts or stops the task's timer. Double starts and double
// stops are state conflicts.
func (h *Handler) taskTimer(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	var req timerReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	var task types.Task
	var err error
	switch req.Action {
	case "start":
		task, err = h.Store.StartTaskTimer(r.Context(), actx.user.ID, p.ByName("id"))
	case "stop":
		task, err = h.Store.StopTaskTimer(r.Context(), actx.user.ID, p.ByName("id"))
	default:
		return nil, trace.BadParameter("action must be start or stop, got %q", req.Action)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.publishTaskChange(r.Context(), actx, task.PeriodID)
	return task, nil
}

// publishTaskChange emits the tasks tag plus the feed of the period the
// task lives in.
func (h *Handler) publishTaskChange(ctx context.Context, actx *authContext, periodID string) {
	tags := []events.Tag{events.TagTasks}
	if period, err := h.Store.GetPeriod(ctx, actx.user.ID, periodID); err == nil {
		if tag, ok := periodTag(period.Type); ok {
			tags = append(tags, tag)
		}
	}
	h.Events.Publish(actx.user.ID, tags...)
}

func periodTag(typ types.PeriodType) (events.Tag, bool) {
	switch typ {
	case types.PeriodDaily:
		return events.TagDaily, true
	case types.PeriodWeekly:
		return events.TagWeekly, true
	}
	return "", false
}

func (h *Handler) listTags(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	tags, err := h.Store.ListTags(r.Context(), actx.user.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return tags, nil
}

func (h *Handler) createTag(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	var tag types.Tag
	if err := httplib.ReadJSON(r, &tag); err != nil {
		return nil, trace.Wrap(err)
	}
	tag.UserID = actx.user.ID
	created, err := h.Store.CreateTag(r.Context(), tag)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.Events.Publish(actx.user.ID, events.TagTasks)
	return created, nil
}

func (h *Handler) updateTag(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	var tag types.Tag
	if err := httplib.ReadJSON(r, &tag); err != nil {
		return nil, trace.Wrap(err)
	}
	tag.ID = p.ByName("id")
	tag.UserID = actx.user.ID
	updated, err := h.Store.UpdateTag(r.Context(), tag)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.Events.Publish(actx.user.ID, events.TagTasks)
	return updated, nil
}

func (h *Handler) deleteTag(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	if err := h.Store.DeleteTag(r.Context(), actx.user.ID, p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	h.Events.Publish(actx.user.ID, events.TagTasks)
	return ok(), nil
}
