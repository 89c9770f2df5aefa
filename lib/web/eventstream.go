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
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/goalpost-dev/goalpost/lib/defaults"
)

// eventWriteTimeout bounds a single write to a streaming client. Wall
// clock on purpose: connection deadlines belong to the kernel, not the
// injected clock.
const eventWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// streamEvents serves the change feed. Plain requests get server-sent
// events; clients that ask for an upgrade get a websocket. Both carry one
// JSON message per tag plus periodic heartbeats, and both end silently
// when the subscriber queue overflows, telling the client to reconnect
// and re-fetch.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error) {
	if websocket.IsWebSocketUpgrade(r) {
		return h.streamEventsWebsocket(w, r, actx)
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		return nil, trace.BadParameter("connection does not support streaming")
	}

	sub, err := h.Events.Subscribe(actx.user.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := h.Clock.NewTicker(defaults.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return nil, nil
		case <-sub.Done():
			return nil, nil
		case event, open := <-sub.Events():
			if !open {
				return nil, nil
			}
			data, err := json.Marshal(event)
			if err != nil {
				return nil, nil
			}
			fmt.Fprintf(w, "event: change\ndata: %s\n\n", data)
			flusher.Flush()
		case <-heartbeat.Chan():
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func (h *Handler) streamEventsWebsocket(w http.ResponseWriter, r *http.Request, actx *authContext) (any, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		h.Logger.Debug("Websocket upgrade failed.", "error", err)
		return nil, nil
	}
	defer conn.Close()

	sub, err := h.Events.Subscribe(actx.user.ID)
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(eventWriteTimeout))
		return nil, nil
	}
	defer sub.Close()

	// The read pump's only job is noticing the peer going away.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := h.Clock.NewTicker(defaults.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-readerDone:
			return nil, nil
		case <-sub.Done():
			return nil, nil
		case event, open := <-sub.Events():
			if !open {
				return nil, nil
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return nil, nil
			}
		case <-heartbeat.Chan():
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil, nil
			}
		}
	}
}
