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

// Package logutils provides the process-wide logging configuration and
// helpers for creating package level loggers.
package logutils

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gravitational/trace"
)

// Config configures the process-wide default logger.
type Config struct {
	// Severity is the minimum level that gets emitted: debug, info,
	// warn or error. Defaults to info.
	Severity string
	// Format selects the output encoding: text or json. Defaults to text.
	Format string
	// Output receives the log stream. Defaults to os.Stderr.
	Output io.Writer
}

// Initialize configures the process-wide default slog logger and returns
// it along with the level var that can be used to adjust verbosity at
// runtime.
func Initialize(cfg Config) (*slog.Logger, *slog.LevelVar, error) {
	level := new(slog.LevelVar)
	switch strings.ToLower(cfg.Severity) {
	case "", "info":
		level.Set(slog.LevelInfo)
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		return nil, nil, trace.BadParameter("unsupported log severity %q", cfg.Severity)
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		handler = slog.NewTextHandler(output, &slog.HandlerOptions{Level: level})
	case "json":
		handler = slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})
	default:
		return nil, nil, trace.BadParameter("unsupported log format %q", cfg.Format)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, level, nil
}

// NewPackageLogger creates a logger for use as a package level variable.
// The returned logger resolves the default slog handler at emit time, so
// packages that construct loggers during init still honor whatever handler
// the process entry point configures later.
func NewPackageLogger(args ...any) *slog.Logger {
	return slog.New(&lazyHandler{}).With(args...)
}

// lazyHandler defers to the current default handler, replaying any
// WithAttrs and WithGroup calls that were made before emit.
type lazyHandler struct {
	ops []func(slog.Handler) slog.Handler
}

func (h *lazyHandler) resolve() slog.Handler {
	handler := slog.Default().Handler()
	for _, op := range h.ops {
		handler = op(handler)
	}
	return handler
}

func (h *lazyHandler) with(op func(slog.Handler) slog.Handler) *lazyHandler {
	ops := make([]func(slog.Handler) slog.Handler, len(h.ops), len(h.ops)+1)
	copy(ops, h.ops)
	return &lazyHandler{ops: append(ops, op)}
}

func (h *lazyHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *lazyHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *lazyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.with(func(base slog.Handler) slog.Handler {
		return base.WithAttrs(attrs)
	})
}

func (h *lazyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(func(base slog.Handler) slog.Handler {
		return base.WithGroup(name)
	})
}
