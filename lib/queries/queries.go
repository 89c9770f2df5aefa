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

// Package queries runs user scripts end to end: rate limit, source
// resolution, capability binding, sandbox execution and audit logging.
package queries

import (
	"context"
	"log/slog"
	"math"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/goalpost-dev/goalpost"
	"github.com/goalpost-dev/goalpost/lib/defaults"
	"github.com/goalpost-dev/goalpost/lib/events"
	"github.com/goalpost-dev/goalpost/lib/limiter"
	"github.com/goalpost-dev/goalpost/lib/sandbox"
	"github.com/goalpost-dev/goalpost/lib/storage"
	"github.com/goalpost-dev/goalpost/lib/types"
	logutils "github.com/goalpost-dev/goalpost/lib/utils/log"
)

// Store is the persistence surface the executor reads and writes.
type Store interface {
	GetUser(ctx context.Context, id string) (types.User, error)
	GetSavedQuery(ctx context.Context, userID, id string) (types.SavedQuery, error)
	GetKeyResult(ctx context.Context, userID, id string) (types.KeyResult, error)
	UpdateKeyResultScore(ctx context.Context, userID, id string, score float64) error
	RecordExecution(ctx context.Context, entry types.ExecutionLog) (types.ExecutionLog, error)
	ListMetricValuesRange(ctx context.Context, userID, start, end string) ([]types.DailyMetricValue, error)
	ListTasks(ctx context.Context, userID string, filter storage.TaskFilter) ([]types.Task, error)
	ListPeriods(ctx context.Context, userID string, typ types.PeriodType) ([]types.TimePeriod, error)
	ListTags(ctx context.Context, userID string) ([]types.Tag, error)
	ListObjectives(ctx context.Context, userID string, filter storage.ObjectiveFilter) ([]types.Objective, error)
}

// Request describes one execution. Code takes precedence over QueryID when
// both are set.
type Request struct {
	// QueryID runs a stored query owned by the user.
	QueryID string `json:"queryId,omitempty"`
	// Code is inline script source.
	Code string `json:"code,omitempty"`
	// Params is exposed to the script as the read-only params global.
	Params map[string]any `json:"params,omitempty"`
	// Context tags the audit entry with what triggered the run. Defaults
	// to the general query console.
	Context types.QueryType `json:"context,omitempty"`
}

// Config configures an Executor.
type Config struct {
	// Store reads sources and data and records the audit log.
	Store Store
	// Limiter admits runs within the per-user execution budget.
	Limiter *limiter.Limiter
	// Host executes scripts.
	Host *sandbox.Host
	// Events receives an objectives tag when a key result score changes.
	Events *events.Broadcaster
	// Clock supplies today for the script data view.
	Clock clockwork.Clock
	// Logger emits log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Limiter == nil {
		return trace.BadParameter("missing parameter Limiter")
	}
	if c.Host == nil {
		return trace.BadParameter("missing parameter Host")
	}
	if c.Events == nil {
		return trace.BadParameter("missing parameter Events")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(goalpost.ComponentKey, goalpost.ComponentQueries)
	}
	return nil
}

// Executor runs user scripts with their capability bundle and writes the
// audit trail. Safe for concurrent use.
type Executor struct {
	Config
}

// New creates an Executor.
func New(cfg Config) (*Executor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Executor{Config: cfg}, nil
}

// Execute runs one script for the user. Rate-limited attempts fail with a
// LimitExceeded error before any code runs and leave no audit row. Script
// failures are not errors: they come back inside the outcome.
func (e *Executor) Execute(ctx context.Context, userID string, req Request) (sandbox.Outcome, error) {
	if userID == "" {
		return sandbox.Outcome{}, trace.BadParameter("missing parameter userID")
	}
	if req.Context == "" {
		req.Context = types.QueryGeneral
	}
	if err := req.Context.Parse(string(req.Context)); err != nil {
		return sandbox.Outcome{}, trace.Wrap(err)
	}

	if err := e.Limiter.Allow(userID); err != nil {
		return sandbox.Outcome{}, trace.Wrap(err)
	}
	code, err := e.resolveCode(ctx, userID, req)
	if err != nil {
		return sandbox.Outcome{}, trace.Wrap(err)
	}

	user, err := e.Store.GetUser(ctx, userID)
	if err != nil {
		return sandbox.Outcome{}, trace.Wrap(err)
	}
	if user.Disabled {
		return sandbox.Outcome{}, trace.AccessDenied("user %q is disabled", user.Username)
	}

	outcome := e.Host.Run(ctx, sandbox.Request{
		Code: code,
		Data: &bundle{
			store:   e.Store,
			clock:   e.Clock,
			user:    user,
			maxRows: defaults.ScriptMaxRows,
		},
		Params: req.Params,
	})

	entry := types.ExecutionLog{
		UserID:          userID,
		CodeSnippet:     code,
		Context:         req.Context,
		Success:         outcome.Success(),
		ExecutionTimeMs: outcome.ElapsedMs,
	}
	if !outcome.Success() {
		entry.ErrorMessage = string(outcome.ErrorKind) + ": " + outcome.Error
	}
	if _, err := e.Store.RecordExecution(ctx, entry); err != nil {
		// The run already happened; losing the audit row must not eat
		// its outcome.
		e.Logger.Warn("Failed to record execution log entry.", "user", userID, "error", err)
	}
	return outcome, nil
}

// resolveCode picks the script source for the request and enforces the code
// size cap. Stored queries must belong to the calling user.
func (e *Executor) resolveCode(ctx context.Context, userID string, req Request) (string, error) {
	if req.Code != "" {
		if len(req.Code) > types.MaxQueryCodeSize {
			return "", trace.BadParameter("query code exceeds the %d byte limit", types.MaxQueryCodeSize)
		}
		return req.Code, nil
	}
	if req.QueryID == "" {
		return "", trace.BadParameter("missing code or query id")
	}
	saved, err := e.Store.GetSavedQuery(ctx, userID, req.QueryID)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return saved.Code, nil
}

// KRResult is the per-key-result outcome of a batch evaluation. Exactly one
// of Score and Error is meaningful.
type KRResult struct {
	Score *float64 `json:"score,omitempty"`
	Error string   `json:"error,omitempty"`
}

// EvaluateKRs runs the progress query of each custom-query key result and
// returns the computed scores. Runs are serial so the sandbox resource caps
// stay meaningful, and each run consumes rate-limit quota. A script that
// never calls progress.set yields an error and the stored score is left
// untouched; computed scores are persisted only when they move more than
// the write-back epsilon.
func (e *Executor) EvaluateKRs(ctx context.Context, userID string, krIDs []string) (map[string]KRResult, error) {
	if userID == "" {
		return nil, trace.BadParameter("missing parameter userID")
	}
	results := make(map[string]KRResult, len(krIDs))
	changed := false
	for _, id := range krIDs {
		result := e.evaluateKR(ctx, userID, id, &changed)
		results[id] = result
	}
	if changed {
		e.Events.Publish(userID, events.TagObjectives)
	}
	return results, nil
}

func (e *Executor) evaluateKR(ctx context.Context, userID, id string, changed *bool) KRResult {
	kr, err := e.Store.GetKeyResult(ctx, userID, id)
	if err != nil {
		return KRResult{Error: err.Error()}
	}
	if kr.MeasurementType != types.MeasurementCustomQuery {
		return KRResult{Error: "key result does not use a custom query"}
	}

	req := Request{Context: types.QueryKRProgress}
	switch {
	case kr.ProgressQueryCode != "":
		req.Code = kr.ProgressQueryCode
	case kr.ProgressQueryID != "":
		req.QueryID = kr.ProgressQueryID
	default:
		return KRResult{Error: "no progress query configured"}
	}

	outcome, err := e.Execute(ctx, userID, req)
	if err != nil {
		return KRResult{Error: err.Error()}
	}
	if !outcome.Success() {
		return KRResult{Error: outcome.Error}
	}
	if outcome.Progress == nil {
		return KRResult{Error: "script completed without calling progress.set"}
	}

	score := outcome.Progress.Score
	if math.Abs(score-kr.Score) > defaults.KRScoreEpsilon {
		if err := e.Store.UpdateKeyResultScore(ctx, userID, id, score); err != nil {
			return KRResult{Error: err.Error()}
		}
		*changed = true
	}
	return KRResult{Score: &score}
}
