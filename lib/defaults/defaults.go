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

// Package defaults contains default constants set in various parts of
// the goalpost codebase.
package defaults

import "time"

const (
	// HTTPListenAddr is the default address the API server binds to.
	HTTPListenAddr = "127.0.0.1:7480"

	// DiagListenAddr is the default address of the diagnostic endpoints
	// (healthz, readyz, prometheus metrics).
	DiagListenAddr = "127.0.0.1:7481"

	// ConfigFilePath is where the server looks for its YAML configuration
	// unless --config points elsewhere.
	ConfigFilePath = "/etc/goalpost.yaml"

	// DatabasePath is the default location of the embedded sqlite file.
	DatabasePath = "./goalpost.db"

	// ScriptTimeout is the hard wall-clock budget for a single sandbox run.
	ScriptTimeout = 5 * time.Second

	// ScriptMemoryLimit is the heap-growth watermark for a single sandbox
	// run. Breaching it interrupts the run with an out-of-memory error.
	ScriptMemoryLimit = 128 << 20

	// ScriptMaxCodeSize caps the size of user code accepted for execution
	// and for saved queries.
	ScriptMaxCodeSize = 100 << 10

	// ScriptMaxRenderOps caps the number of render calls a single run may
	// issue before it is aborted with an output-too-large error.
	ScriptMaxRenderOps = 1024

	// ScriptMaxRows caps the number of rows a single q.* fetch returns to
	// user code.
	ScriptMaxRows = 10000

	// ScriptMaxCallStack bounds user-code recursion depth.
	ScriptMaxCallStack = 2048

	// ScriptErrorMaxLen truncates error messages surfaced to callers.
	ScriptErrorMaxLen = 2 << 10

	// ExecutionLogSnippetLen is how much of the executed code is kept in
	// the audit log.
	ExecutionLogSnippetLen = 2 << 10

	// ExecutionLogErrorLen truncates persisted execution error messages.
	ExecutionLogErrorLen = 1 << 10

	// ExecutionLogPageSize caps one page of execution log listings.
	ExecutionLogPageSize = 100

	// RateLimitExecutions is the number of sandbox runs allowed per user
	// within RateLimitWindow.
	RateLimitExecutions = 30

	// RateLimitWindow is the rolling window for the execution rate limit.
	RateLimitWindow = time.Minute

	// KRScoreEpsilon is the minimum change of a computed key-result score
	// that is written back to the store.
	KRScoreEpsilon = 1e-3

	// SyncInterval is how often the scheduler walks all enabled plugin
	// connections. The periodic sync window covers the trailing week.
	SyncInterval = time.Hour

	// SyncWindowDays is the number of trailing days a periodic sync covers.
	SyncWindowDays = 7

	// SyncStepTimeout bounds one (user, plugin) sync step end to end.
	SyncStepTimeout = 5 * time.Minute

	// SyncRequestTimeout bounds a single outbound provider HTTP request.
	SyncRequestTimeout = 30 * time.Second

	// SyncMaxParallel bounds how many (user, plugin) tuples sync at once.
	SyncMaxParallel = 4

	// PendingAuthTTL is how long an initiated OAuth flow stays redeemable.
	PendingAuthTTL = 10 * time.Minute

	// TokenRefreshSkew refreshes credentials that expire within the skew.
	TokenRefreshSkew = time.Minute

	// EventQueueSize is the per-subscriber buffered queue length. A
	// subscriber that falls this far behind is dropped.
	EventQueueSize = 64

	// HeartbeatInterval is how often connected event subscribers receive
	// a heartbeat message.
	HeartbeatInterval = 25 * time.Second

	// ShutdownTimeout bounds the graceful drain on termination.
	ShutdownTimeout = 30 * time.Second

	// HTTPRequestTimeout is the general read/write timeout for API calls
	// (the events stream is exempt).
	HTTPRequestTimeout = 30 * time.Second
)
