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

// Package goalpost holds constants shared across the whole codebase.
package goalpost

import "strings"

const (
	// ComponentKey is the logging attribute under which the component
	// name of the emitting subsystem is recorded.
	ComponentKey = "component"

	// ComponentStorage is the sqlite-backed persistence layer.
	ComponentStorage = "storage"

	// ComponentSandbox is the user-script sandbox runtime.
	ComponentSandbox = "sandbox"

	// ComponentQueries is the query executor orchestrating sandbox runs.
	ComponentQueries = "queries"

	// ComponentSyncer is the external-provider sync scheduler.
	ComponentSyncer = "syncer"

	// ComponentOAuth is the OAuth2 broker handling PKCE flows.
	ComponentOAuth = "oauth"

	// ComponentEvents is the change-event broadcaster.
	ComponentEvents = "events"

	// ComponentWeb is the HTTP API layer.
	ComponentWeb = "web"

	// ComponentFlex is the flexible-metrics template engine.
	ComponentFlex = "flex"

	// ComponentExport is the archive export and import service.
	ComponentExport = "export"

	// ComponentService is the top-level service supervisor.
	ComponentService = "service"
)

// Component generates a colon-joined component name from its parts,
// e.g. Component("syncer", "fitbit") returns "syncer:fitbit".
func Component(parts ...string) string {
	return strings.Join(parts, ":")
}
