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
	"fmt"
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/goalpost-dev/goalpost/lib/events"
	"github.com/goalpost-dev/goalpost/lib/types"
)

// maxImportBytes caps archive uploads. Archives are line-free JSON and
// even heavy accounts stay well under this.
const maxImportBytes = 64 << 20

// exportArchive returns the caller's full archive as a download.
func (h *Handler) exportArchive(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	archive, err := h.Export.Export(r.Context(), actx.user.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	filename := fmt.Sprintf("goalpost-export-%s.json", types.FormatDate(h.Clock.Now()))
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	return archive, nil
}

// importArchive restores an archive into the caller's account and reports
// what was imported and what was skipped.
func (h *Handler) importArchive(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	summary, err := h.Export.Import(r.Context(), actx.user.ID, io.LimitReader(r.Body, maxImportBytes))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// An archive can touch every feed.
	h.Events.Publish(actx.user.ID,
		events.TagTasks, events.TagDaily, events.TagWeekly,
		events.TagObjectives, events.TagMetrics, events.TagWidgets, events.TagQueries)
	return summary, nil
}
