// Copyright 2026 © The Otto Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func logLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	return decoded
}

func TestHandlerStampsPlanScope(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "info", "json"))

	ctx := WithPlanScope(context.Background(), "s1", "plan-1")
	logger.InfoContext(ctx, "step dispatched")

	line := logLine(t, &buf)
	if line["session_id"] != "s1" || line["plan_id"] != "plan-1" {
		t.Fatalf("expected plan scope on record, got %v", line)
	}
}

func TestHandlerDoesNotShadowExplicitAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "info", "json"))

	ctx := WithPlanScope(context.Background(), "ambient", "ambient-plan")
	logger.InfoContext(ctx, "override", slog.String("session_id", "explicit"))

	line := logLine(t, &buf)
	if line["session_id"] != "explicit" {
		t.Fatalf("explicit attr must win, got %v", line["session_id"])
	}
	if line["plan_id"] != "ambient-plan" {
		t.Fatalf("unset keys still come from scope, got %v", line["plan_id"])
	}
}

func TestHandlerWithoutScopeAddsNothing(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "info", "json"))

	logger.InfoContext(context.Background(), "plain")

	line := logLine(t, &buf)
	for _, key := range []string{"session_id", "plan_id", "trace_id", "span_id"} {
		if _, ok := line[key]; ok {
			t.Fatalf("unexpected ambient attr %q: %v", key, line)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for input, want := range cases {
		if got := parseLogLevel(input); got != want {
			t.Fatalf("%q: got %v, want %v", input, got, want)
		}
	}
}
