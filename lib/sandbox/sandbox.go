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

// Package sandbox executes untrusted user scripts in an embedded JavaScript
// runtime. Each run gets a fresh runtime whose only reachable host surface
// is the capability globals q, render, progress and params; there is no I/O,
// no timers and no module system. A watchdog interrupts runs that exceed the
// wall-clock or memory budget, and every failure is returned as data rather
// than an error, so a hostile script can never take the host down.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/goalpost-dev/goalpost"
	"github.com/goalpost-dev/goalpost/lib/defaults"
	"github.com/goalpost-dev/goalpost/lib/utils"
	logutils "github.com/goalpost-dev/goalpost/lib/utils/log"
)

var (
	runsCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: goalpost.MetricSandboxRuns,
			Help: "Number of sandbox runs by result",
		},
		[]string{"result"},
	)
	runSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    goalpost.MetricSandboxRunSeconds,
			Help:    "Sandbox run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)
)

func init() {
	prometheus.MustRegister(runsCount, runSeconds)
}

// ErrorKind classifies why a run failed. Kinds are part of the API surface
// clients switch on.
type ErrorKind string

const (
	// KindTimeout marks runs interrupted at the wall-clock budget.
	KindTimeout ErrorKind = "Timeout"
	// KindOutOfMemory marks runs interrupted at the memory watermark.
	KindOutOfMemory ErrorKind = "OutOfMemory"
	// KindCompileError marks scripts that failed to parse or compile.
	KindCompileError ErrorKind = "CompileError"
	// KindRuntimeError marks scripts that threw or rejected.
	KindRuntimeError ErrorKind = "RuntimeError"
	// KindOutputTooLarge marks runs that exceeded the render budget.
	KindOutputTooLarge ErrorKind = "OutputTooLarge"
)

// RenderKind tags a render operation variant.
type RenderKind string

const (
	// RenderMarkdown is a block of markdown text.
	RenderMarkdown RenderKind = "markdown"
	// RenderTable is a headers-and-rows table.
	RenderTable RenderKind = "table"
	// RenderJSON is an arbitrary JSON value dump.
	RenderJSON RenderKind = "json"
	// RenderPlot is a chart specification.
	RenderPlot RenderKind = "plot"
)

// RenderOp is one output operation issued by a script, in issue order.
// Exactly one payload field matching Kind is set.
type RenderOp struct {
	Kind     RenderKind `json:"kind"`
	Markdown string     `json:"markdown,omitempty"`
	Table    *TableSpec `json:"table,omitempty"`
	JSON     any        `json:"json,omitempty"`
	Plot     *PlotSpec  `json:"plot,omitempty"`
}

// TableSpec is the payload of a table render op.
type TableSpec struct {
	Headers []string `json:"headers"`
	Rows    [][]any  `json:"rows"`
}

// PlotSpec is the payload of a plot render op. Kind is bar, line, pie or
// multi; Spec is passed through to the client untouched.
type PlotSpec struct {
	Kind string `json:"kind"`
	Spec any    `json:"spec"`
}

// Progress is the last progress.set call of a run.
type Progress struct {
	Num   float64 `json:"num"`
	Denom float64 `json:"denom"`
	Score float64 `json:"score"`
	Label string  `json:"label"`
}

// Outcome is the result of one run. Script failures land in ErrorKind and
// Error; renders issued before a failure are preserved.
type Outcome struct {
	ReturnValue any        `json:"returnValue,omitempty"`
	Renders     []RenderOp `json:"renders"`
	Progress    *Progress  `json:"progress,omitempty"`
	ErrorKind   ErrorKind  `json:"errorKind,omitempty"`
	Error       string     `json:"error,omitempty"`
	ElapsedMs   int64      `json:"elapsedMs"`
}

// Success reports whether the run completed without a script failure.
func (o *Outcome) Success() bool { return o.ErrorKind == "" }

// Request describes one script run.
type Request struct {
	// Code is the script source.
	Code string
	// Data serves the q capability. Optional; defaults to an empty view.
	Data DataAPI
	// Params is exposed to the script as the frozen params global.
	Params map[string]any
	// Timeout is the wall-clock budget.
	Timeout time.Duration
	// MemoryLimit is the heap-growth watermark in bytes.
	MemoryLimit uint64
	// MaxRenderOps bounds render calls per run.
	MaxRenderOps int
	// MaxCallStack bounds the script call stack depth.
	MaxCallStack int
}

// CheckAndSetDefaults validates the request and fills in default limits.
func (r *Request) CheckAndSetDefaults() error {
	if strings.TrimSpace(r.Code) == "" {
		return trace.BadParameter("missing script code")
	}
	if len(r.Code) > defaults.ScriptMaxCodeSize {
		return trace.BadParameter("script exceeds the %d byte size limit", defaults.ScriptMaxCodeSize)
	}
	if r.Timeout <= 0 {
		r.Timeout = defaults.ScriptTimeout
	}
	if r.MemoryLimit == 0 {
		r.MemoryLimit = defaults.ScriptMemoryLimit
	}
	if r.MaxRenderOps <= 0 {
		r.MaxRenderOps = defaults.ScriptMaxRenderOps
	}
	if r.MaxCallStack <= 0 {
		r.MaxCallStack = defaults.ScriptMaxCallStack
	}
	return nil
}

// Config configures a Host.
type Config struct {
	// Clock times runs and drives the watchdog.
	Clock clockwork.Clock
	// Logger emits log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(goalpost.ComponentKey, goalpost.ComponentSandbox)
	}
	return nil
}

// Host runs scripts. It is stateless across runs and safe for concurrent
// use; every run owns a private runtime.
type Host struct {
	Config
}

// New creates a script host.
func New(cfg Config) (*Host, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Host{Config: cfg}, nil
}

// interrupt is the value handed to the runtime interrupt so the outcome can
// name both the kind and a human message.
type interrupt struct {
	kind    ErrorKind
	message string
}

// memCheckInterval is how often the watchdog samples the process heap.
const memCheckInterval = 20 * time.Millisecond

// Run executes one script to completion or interruption. The returned
// outcome is always usable; Run itself never fails and never panics.
func (h *Host) Run(ctx context.Context, req Request) Outcome {
	start := h.Clock.Now()
	outcome := h.execute(ctx, req)
	outcome.ElapsedMs = h.Clock.Since(start).Milliseconds()

	result := "ok"
	if outcome.ErrorKind != "" {
		result = string(outcome.ErrorKind)
	}
	runsCount.WithLabelValues(result).Inc()
	runSeconds.Observe(h.Clock.Since(start).Seconds())
	h.Logger.Debug("Script run finished.",
		"result", result, "elapsed_ms", outcome.ElapsedMs, "renders", len(outcome.Renders))
	return outcome
}

func (h *Host) execute(ctx context.Context, req Request) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			h.Logger.Warn("Recovered from script host panic.", "panic", r)
			outcome = Outcome{
				ErrorKind: KindRuntimeError,
				Error:     "internal script host error",
			}
		}
	}()

	if err := req.CheckAndSetDefaults(); err != nil {
		return Outcome{ErrorKind: KindCompileError, Error: scrubMessage(err.Error())}
	}
	program, err := compileScript(req.Code)
	if err != nil {
		return Outcome{ErrorKind: KindCompileError, Error: scrubMessage(err.Error())}
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	vm.SetMaxCallStackSize(req.MaxCallStack)

	renders := &renderCollector{
		max: req.MaxRenderOps,
		overflow: func() {
			vm.Interrupt(interrupt{KindOutputTooLarge, "render output limit exceeded"})
		},
	}
	prog := &progressState{}
	if err := bindCapabilities(ctx, vm, req, renders, prog); err != nil {
		h.Logger.Warn("Failed to initialize sandbox globals.", "error", err)
		return Outcome{ErrorKind: KindRuntimeError, Error: "internal script host error"}
	}

	done := make(chan struct{})
	go h.watchdog(ctx, done, vm, req)
	value, runErr := vm.RunProgram(program)
	close(done)

	outcome = Outcome{Renders: renders.ops, Progress: prog.snapshot()}
	if runErr != nil {
		outcome.ErrorKind, outcome.Error = mapRunError(runErr)
		return outcome
	}
	if value == nil {
		return outcome
	}
	promise, ok := value.Export().(*goja.Promise)
	if !ok {
		outcome.ReturnValue = jsonSafe(value.Export())
		return outcome
	}
	switch promise.State() {
	case goja.PromiseStateFulfilled:
		outcome.ReturnValue = jsonSafe(promise.Result().Export())
	case goja.PromiseStateRejected:
		outcome.ErrorKind = KindRuntimeError
		outcome.Error = scrubMessage(errorText(promise.Result()))
	default:
		// All host calls are synchronous, so a pending promise means the
		// script awaited something that can never settle.
		outcome.ErrorKind = KindRuntimeError
		outcome.Error = "script suspended on a promise that never settles"
	}
	return outcome
}

// watchdog interrupts the runtime when the run outlives its budgets or the
// caller's context. It exits when the run finishes.
func (h *Host) watchdog(ctx context.Context, done <-chan struct{}, vm *goja.Runtime, req Request) {
	timer := h.Clock.NewTimer(req.Timeout)
	defer timer.Stop()
	ticker := h.Clock.NewTicker(memCheckInterval)
	defer ticker.Stop()

	// Per-runtime accounting is not available, so memory pressure is
	// approximated by process heap growth since the run started.
	var base runtime.MemStats
	runtime.ReadMemStats(&base)

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			vm.Interrupt(interrupt{KindTimeout, "execution canceled"})
			return
		case <-timer.Chan():
			vm.Interrupt(interrupt{KindTimeout, "execution time limit exceeded"})
			return
		case <-ticker.Chan():
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			if m.HeapAlloc > base.HeapAlloc+req.MemoryLimit {
				vm.Interrupt(interrupt{KindOutOfMemory, "memory limit exceeded"})
				return
			}
		}
	}
}

func mapRunError(err error) (ErrorKind, string) {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if i, ok := interrupted.Value().(interrupt); ok {
			return i.kind, i.message
		}
		return KindTimeout, "execution interrupted"
	}
	var overflow *goja.StackOverflowError
	if errors.As(err, &overflow) {
		return KindRuntimeError, "maximum call stack size exceeded"
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return KindRuntimeError, scrubMessage(errorText(exception.Value()))
	}
	return KindRuntimeError, scrubMessage(err.Error())
}

// errorText extracts a message from a thrown value without its stack.
func errorText(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "script error"
	}
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			text := msg.String()
			if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
				if n := name.String(); n != "" {
					text = n + ": " + text
				}
			}
			return text
		}
	}
	return v.String()
}

// scrubMessage keeps the first line of a message and truncates it, so no
// stack frames or host paths survive into outcomes.
func scrubMessage(message string) string {
	if i := strings.IndexByte(message, '\n'); i >= 0 {
		message = message[:i]
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = "script error"
	}
	return utils.TruncateString(message, defaults.ScriptErrorMaxLen)
}

// jsonSafe rejects values that cannot be serialized (NaN, cycles) so an
// outcome always encodes.
func jsonSafe(v any) any {
	if v == nil {
		return nil
	}
	if _, err := json.Marshal(v); err != nil {
		return "[unserializable value]"
	}
	return v
}
