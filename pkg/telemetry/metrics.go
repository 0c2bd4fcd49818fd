// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PlanMetrics tracks plan and step outcomes for production monitoring.
type PlanMetrics struct {
	planCounter    metric.Int64Counter
	stepCounter    metric.Int64Counter
	retryCounter   metric.Int64Counter
	stepLatency    metric.Float64Histogram
	guardrailDrops metric.Int64Counter
}

// NewPlanMetrics creates a plan metrics tracker with OTEL meters.
func NewPlanMetrics() (*PlanMetrics, error) {
	meter := otel.Meter("otto/engine")

	planCounter, err := meter.Int64Counter(
		"otto.plans.total",
		metric.WithDescription("Plans finished, by terminal status"),
	)
	if err != nil {
		return nil, err
	}

	stepCounter, err := meter.Int64Counter(
		"otto.steps.total",
		metric.WithDescription("Plan steps finished, by terminal status and tool"),
	)
	if err != nil {
		return nil, err
	}

	retryCounter, err := meter.Int64Counter(
		"otto.steps.retries",
		metric.WithDescription("Step retry attempts, by tool"),
	)
	if err != nil {
		return nil, err
	}

	stepLatency, err := meter.Float64Histogram(
		"otto.steps.latency_ms",
		metric.WithDescription("Tool invocation latency in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	guardrailDrops, err := meter.Int64Counter(
		"otto.guardrails.denied",
		metric.WithDescription("Steps denied by guardrails, by reason"),
	)
	if err != nil {
		return nil, err
	}

	return &PlanMetrics{
		planCounter:    planCounter,
		stepCounter:    stepCounter,
		retryCounter:   retryCounter,
		stepLatency:    stepLatency,
		guardrailDrops: guardrailDrops,
	}, nil
}

// RecordPlan increments the plan counter for a terminal status.
func (m *PlanMetrics) RecordPlan(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.planCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

// RecordStep records a finished step with its terminal status and latency.
func (m *PlanMetrics) RecordStep(ctx context.Context, tool, status string, latencyMS float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.stepCounter.Add(ctx, 1, attrs)
	if latencyMS > 0 {
		m.stepLatency.Record(ctx, latencyMS, metric.WithAttributes(
			attribute.String("tool", tool),
		))
	}
}

// RecordRetry counts a retry attempt for a tool.
func (m *PlanMetrics) RecordRetry(ctx context.Context, tool string) {
	if m == nil {
		return
	}
	m.retryCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
	))
}

// RecordGuardrailDenied counts a step denied by guardrails.
func (m *PlanMetrics) RecordGuardrailDenied(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.guardrailDrops.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}
