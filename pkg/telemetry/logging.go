// Copyright 2026 © The Otto Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// planScopeKey carries the session and plan a context belongs to, so every
// log line written during plan execution is attributable without each call
// site repeating the ids.
type planScopeKey struct{}

type planScope struct {
	sessionID string
	planID    string
}

// WithPlanScope tags ctx with the session and plan ids. The otto slog handler
// stamps them onto every record logged under this context.
func WithPlanScope(ctx context.Context, sessionID, planID string) context.Context {
	return context.WithValue(ctx, planScopeKey{}, planScope{sessionID: sessionID, planID: planID})
}

// ConfigureSlog sets the global slog logger. Records pick up trace_id/span_id
// from the active span and session_id/plan_id from WithPlanScope.
func ConfigureSlog(output io.Writer, level, format string) *slog.Logger {
	logger := slog.New(NewHandler(output, level, format))
	slog.SetDefault(logger)
	return logger
}

// NewHandler builds the otto slog handler without installing it globally.
func NewHandler(output io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	var base slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		base = slog.NewJSONHandler(output, opts)
	} else {
		base = slog.NewTextHandler(output, opts)
	}
	return &scopeHandler{next: base}
}

// scopeHandler enriches records with the ambient otto context: the active
// trace span and the plan scope, when present.
type scopeHandler struct {
	next slog.Handler
}

func (h *scopeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *scopeHandler) Handle(ctx context.Context, record slog.Record) error {
	existing := attrKeys(record)
	var attrs []slog.Attr

	add := func(key, value string) {
		if value != "" && !existing[key] {
			attrs = append(attrs, slog.String(key, value))
		}
	}

	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			add("trace_id", sc.TraceID().String())
			add("span_id", sc.SpanID().String())
		}
		if scope, ok := ctx.Value(planScopeKey{}).(planScope); ok {
			add("session_id", scope.sessionID)
			add("plan_id", scope.planID)
		}
	}

	if len(attrs) > 0 {
		record.AddAttrs(attrs...)
	}
	return h.next.Handle(ctx, record)
}

func (h *scopeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &scopeHandler{next: h.next.WithAttrs(attrs)}
}

func (h *scopeHandler) WithGroup(name string) slog.Handler {
	return &scopeHandler{next: h.next.WithGroup(name)}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// attrKeys collects the keys already present on a record, so ambient
// attributes never shadow ones a call site set explicitly.
func attrKeys(record slog.Record) map[string]bool {
	keys := make(map[string]bool, record.NumAttrs())
	record.Attrs(func(attr slog.Attr) bool {
		keys[attr.Key] = true
		return true
	})
	return keys
}
