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

// Package web serves the JSON API: CRUD for planning data, script
// execution, plugin management, the change-event stream, archives, and the
// admin surface. Callers authenticate with a bearer session token; the
// OAuth callback is the one route that instead carries identity in the
// pending authorization state.
package web

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"

	"github.com/goalpost-dev/goalpost"
	"github.com/goalpost-dev/goalpost/lib/events"
	"github.com/goalpost-dev/goalpost/lib/export"
	"github.com/goalpost-dev/goalpost/lib/flex"
	"github.com/goalpost-dev/goalpost/lib/httplib"
	"github.com/goalpost-dev/goalpost/lib/oauth"
	"github.com/goalpost-dev/goalpost/lib/plugins"
	"github.com/goalpost-dev/goalpost/lib/queries"
	"github.com/goalpost-dev/goalpost/lib/settings"
	"github.com/goalpost-dev/goalpost/lib/storage"
	"github.com/goalpost-dev/goalpost/lib/syncer"
	"github.com/goalpost-dev/goalpost/lib/types"
	logutils "github.com/goalpost-dev/goalpost/lib/utils/log"
)

// Config supplies the handler's collaborators.
type Config struct {
	// Store persists all user data.
	Store *storage.Storage
	// Executor runs sandboxed scripts with rate limiting and audit.
	Executor *queries.Executor
	// Flex resolves and stores daily metric values.
	Flex *flex.Engine
	// Broker drives provider OAuth flows.
	Broker *oauth.Broker
	// Syncer runs on-demand plugin syncs.
	Syncer *syncer.Syncer
	// Plugins is the provider registry.
	Plugins *plugins.Registry
	// Settings reads and writes instance configuration.
	Settings *settings.Settings
	// Events distributes change notifications.
	Events *events.Broadcaster
	// Export builds and restores account archives.
	Export *export.Service
	// Clock is the time source.
	Clock clockwork.Clock
	// Logger emits structured log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Executor == nil {
		return trace.BadParameter("missing parameter Executor")
	}
	if c.Flex == nil {
		return trace.BadParameter("missing parameter Flex")
	}
	if c.Broker == nil {
		return trace.BadParameter("missing parameter Broker")
	}
	if c.Syncer == nil {
		return trace.BadParameter("missing parameter Syncer")
	}
	if c.Plugins == nil {
		return trace.BadParameter("missing parameter Plugins")
	}
	if c.Settings == nil {
		return trace.BadParameter("missing parameter Settings")
	}
	if c.Events == nil {
		return trace.BadParameter("missing parameter Events")
	}
	if c.Export == nil {
		return trace.BadParameter("missing parameter Export")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(goalpost.ComponentKey, goalpost.ComponentWeb)
	}
	return nil
}

// Handler routes and serves the API.
type Handler struct {
	httprouter.Router
	Config
}

// NewHandler builds the API handler and registers every route.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{Config: cfg}

	// Periods are created lazily by task writes; the API only reads them.
	h.GET("/periods", h.withAuth(h.listPeriods))
	h.GET("/periods/:id", h.withAuth(h.getPeriod))

	// Tasks.
	h.GET("/tasks", h.withAuth(h.listTasks))
	h.POST("/tasks", h.withAuth(h.createTask))
	h.GET("/tasks/:id", h.withAuth(h.getTask))
	h.PUT("/tasks/:id", h.withAuth(h.updateTask))
	h.DELETE("/tasks/:id", h.withAuth(h.deleteTask))
	h.POST("/tasks/:id/timer", h.withAuth(h.taskTimer))

	// Tags.
	h.GET("/tags", h.withAuth(h.listTags))
	h.POST("/tags", h.withAuth(h.createTag))
	h.PUT("/tags/:id", h.withAuth(h.updateTag))
	h.DELETE("/tags/:id", h.withAuth(h.deleteTag))

	// Objectives and key results. POST /objectives/:id dispatches the
	// kr-progress batch action internally: the router cannot register a
	// static segment next to the :id wildcard.
	h.GET("/objectives", h.withAuth(h.listObjectives))
	h.POST("/objectives", h.withAuth(h.createObjective))
	h.GET("/objectives/:id", h.withAuth(h.getObjective))
	h.POST("/objectives/:id", h.withAuth(h.objectiveAction))
	h.PUT("/objectives/:id", h.withAuth(h.updateObjective))
	h.DELETE("/objectives/:id", h.withAuth(h.deleteObjective))
	h.POST("/objectives/:id/krs", h.withAuth(h.createKeyResult))
	h.PUT("/objectives/:id/krs/:krid", h.withAuth(h.updateKeyResult))
	h.DELETE("/objectives/:id/krs/:krid", h.withAuth(h.deleteKeyResult))

	// Saved queries and execution. POST /queries/:id runs a stored query;
	// the id "execute" is reserved for inline code.
	h.GET("/queries", h.withAuth(h.listQueries))
	h.POST("/queries", h.withAuth(h.createQuery))
	h.GET("/queries/:id", h.withAuth(h.getQuery))
	h.POST("/queries/:id", h.withAuth(h.runQuery))
	h.PUT("/queries/:id", h.withAuth(h.updateQuery))
	h.DELETE("/queries/:id", h.withAuth(h.deleteQuery))

	// Dashboard widgets.
	h.GET("/widgets", h.withAuth(h.listWidgets))
	h.POST("/widgets", h.withAuth(h.createWidget))
	h.GET("/widgets/:id", h.withAuth(h.getWidget))
	h.PUT("/widgets/:id", h.withAuth(h.updateWidget))
	h.DELETE("/widgets/:id", h.withAuth(h.deleteWidget))

	// Metric templates and daily values.
	h.GET("/metrics/templates", h.withAuth(h.listTemplates))
	h.POST("/metrics/templates", h.withAuth(h.createTemplate))
	h.GET("/metrics/templates/:id", h.withAuth(h.getTemplate))
	h.PUT("/metrics/templates/:id", h.withAuth(h.updateTemplate))
	h.DELETE("/metrics/templates/:id", h.withAuth(h.deleteTemplate))
	h.GET("/metrics/flexible/:date", h.withAuth(h.getFlexibleMetrics))
	h.PUT("/metrics/flexible/:date", h.withAuth(h.putFlexibleMetrics))

	// Plugins and provider OAuth.
	h.GET("/plugins", h.withAuth(h.listPlugins))
	h.POST("/plugins/:id/sync", h.withAuth(h.syncPlugin))
	h.DELETE("/plugins/:id", h.withAuth(h.disconnectPlugin))
	h.GET("/plugins/:id/auth", h.withAuth(h.beginPluginAuth))
	h.GET("/plugins/:id/callback", httplib.MakeHandler(h.completePluginAuth))

	// Change events.
	h.GET("/events", h.withAuth(h.streamEvents))

	// Archives.
	h.GET("/export", h.withAuth(h.exportArchive))
	h.POST("/import", h.withAuth(h.importArchive))

	// Admin.
	h.GET("/admin/config", h.withAdminAuth(h.getConfig))
	h.PUT("/admin/config", h.withAdminAuth(h.putConfig))
	h.GET("/admin/execution-logs", h.withAdminAuth(h.listExecutionLogs))
	h.GET("/admin/users", h.withAdminAuth(h.listUsers))
	h.POST("/admin/users", h.withAdminAuth(h.createUser))
	h.PUT("/admin/users/:id", h.withAdminAuth(h.updateUser))

	return h, nil
}

// authContext is the authenticated caller of one request.
type authContext struct {
	user    types.User
	session types.Session
}

// authHandler is called once the request's session is validated.
type authHandler func(w http.ResponseWriter, r *http.Request, p httprouter.Params, actx *authContext) (any, error)

func (h *Handler) withAuth(fn authHandler) httprouter.Handle {
	return httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		actx, err := h.authenticateRequest(r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return fn(w, r, p, actx)
	})
}

func (h *Handler) withAdminAuth(fn authHandler) httprouter.Handle {
	return httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		actx, err := h.authenticateRequest(r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if !actx.user.Admin {
			return nil, trace.AccessDenied("admin access required")
		}
		return fn(w, r, p, actx)
	})
}

// authenticateRequest resolves the bearer token to a live session. The
// token may also arrive as an access_token query parameter: EventSource
// and browser navigations cannot set headers.
func (h *Handler) authenticateRequest(r *http.Request) (*authContext, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, trace.AccessDenied("missing bearer token")
	}
	sess, err := h.Store.GetSessionByToken(r.Context(), token)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.AccessDenied("invalid session token")
		}
		return nil, trace.Wrap(err)
	}
	if sess.Expired(h.Clock.Now()) {
		return nil, trace.AccessDenied("session expired")
	}
	user, err := h.Store.GetUser(r.Context(), sess.UserID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.AccessDenied("session user not found")
		}
		return nil, trace.Wrap(err)
	}
	if user.Disabled {
		return nil, trace.AccessDenied("user %q is disabled", user.Username)
	}
	return &authContext{user: user, session: sess}, nil
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return token
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

func message(msg string) any {
	return map[string]any{"message": msg}
}

func ok() any {
	return message("ok")
}
