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

// Package httplib implements the glue between JSON HTTP handlers and the
// router: handler adapters, request decoding, and the mapping from error
// types onto status codes.
package httplib

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// maxRequestBytes caps request bodies read by ReadJSON. Archive imports
// read the body directly and set their own limit.
const maxRequestBytes = 1 << 20

// HandlerFunc is an HTTP handler that returns a JSON-serializable result
// or an error instead of writing to the ResponseWriter directly.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// MakeHandler adapts fn to the router, encoding its result as JSON and
// converting errors to status codes.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		// Handlers that redirect, stream, or hijack return (nil, nil).
		if out == nil {
			return
		}
		ReplyJSON(w, http.StatusOK, out)
	}
}

// ReadJSON decodes the request body into val. An empty body leaves val
// untouched; decode failures come back as BadParameter.
func ReadJSON(r *http.Request, val any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		return trace.BadParameter("failed to read request body: %v", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("malformed request body: %v", err)
	}
	return nil
}

// ReplyJSON encodes val as the response body with the given status code.
func ReplyJSON(w http.ResponseWriter, code int, val any) {
	out, err := json.Marshal(val)
	if err != nil {
		http.Error(w, `{"error":{"message":"internal server error"}}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(out)
}

// ErrorResponse is the envelope every failed request carries.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail holds the user-facing error message.
type ErrorDetail struct {
	Message string `json:"message"`
}

// ReplyError converts err to a status code and writes the JSON error
// envelope. Unclassified errors are reported as a generic internal error
// so implementation details never leak to clients.
func ReplyError(w http.ResponseWriter, err error) {
	code := ErrorToCode(err)
	message := trace.UserMessage(err)
	if code == http.StatusInternalServerError {
		message = "internal server error"
	}
	ReplyJSON(w, code, ErrorResponse{Error: ErrorDetail{Message: message}})
}

// ErrorToCode maps an error onto the HTTP status code it should produce.
func ErrorToCode(err error) int {
	switch {
	case trace.IsNotFound(err):
		return http.StatusNotFound
	case trace.IsBadParameter(err):
		return http.StatusBadRequest
	case trace.IsAccessDenied(err):
		return http.StatusForbidden
	case trace.IsAlreadyExists(err) || trace.IsCompareFailed(err):
		return http.StatusConflict
	case trace.IsLimitExceeded(err):
		return http.StatusTooManyRequests
	case trace.IsConnectionProblem(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
