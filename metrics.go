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

package goalpost

const (
	// MetricSandboxRuns counts sandbox executions by outcome
	MetricSandboxRuns = "sandbox_runs_total"

	// MetricSandboxRunSeconds measures sandbox execution latency
	MetricSandboxRunSeconds = "sandbox_run_seconds"

	// MetricQueriesRateLimited counts executions rejected by the rate limiter
	MetricQueriesRateLimited = "queries_rate_limited_total"

	// MetricSyncRuns counts plugin sync attempts by result
	MetricSyncRuns = "sync_runs_total"

	// MetricSyncRecordsImported counts metric values upserted by syncs
	MetricSyncRecordsImported = "sync_records_imported_total"

	// MetricEventSubscribers measures currently connected event subscribers
	MetricEventSubscribers = "event_subscribers"

	// MetricEventSubscribersDropped counts subscribers dropped for falling behind
	MetricEventSubscribersDropped = "event_subscribers_dropped_total"
)
