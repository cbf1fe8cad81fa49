// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	tracer = otel.Tracer("aleutian.flow.engine")
	meter  = otel.Meter("aleutian.flow.engine")
)

// engineMetrics holds the engine's instruments. A failed instrument falls
// back to a no-op so recording never needs a nil check.
type engineMetrics struct {
	batchDuration metric.Float64Histogram
	items         metric.Int64Counter
	retries       metric.Int64Counter
	failures      metric.Int64Counter
	activeWorkers metric.Int64UpDownCounter
	runDuration   metric.Float64Histogram
	runs          metric.Int64Counter
}

var (
	metricsOnce sync.Once
	metrics     engineMetrics
)

// initMetrics lazily creates the instruments. Failures are logged once and
// execution continues with degraded observability.
func initMetrics(logger *slog.Logger) *engineMetrics {
	metricsOnce.Do(func() {
		var initErrors []string
		fallback := noop.NewMeterProvider().Meter("")

		var err error
		if metrics.batchDuration, err = meter.Float64Histogram("flow_batch_duration_seconds",
			metric.WithDescription("Time spent in one capability call on a batch"),
			metric.WithUnit("s"),
		); err != nil {
			initErrors = append(initErrors, "batch_duration: "+err.Error())
			metrics.batchDuration, _ = fallback.Float64Histogram("")
		}

		if metrics.items, err = meter.Int64Counter("flow_items_total",
			metric.WithDescription("Items processed per node and direction"),
		); err != nil {
			initErrors = append(initErrors, "items: "+err.Error())
			metrics.items, _ = fallback.Int64Counter("")
		}

		if metrics.retries, err = meter.Int64Counter("flow_retries_total",
			metric.WithDescription("Retry attempts per node"),
		); err != nil {
			initErrors = append(initErrors, "retries: "+err.Error())
			metrics.retries, _ = fallback.Int64Counter("")
		}

		if metrics.failures, err = meter.Int64Counter("flow_batch_failures_total",
			metric.WithDescription("Batches that failed after retries"),
		); err != nil {
			initErrors = append(initErrors, "failures: "+err.Error())
			metrics.failures, _ = fallback.Int64Counter("")
		}

		if metrics.activeWorkers, err = meter.Int64UpDownCounter("flow_active_workers",
			metric.WithDescription("Node workers currently running"),
		); err != nil {
			initErrors = append(initErrors, "active_workers: "+err.Error())
			metrics.activeWorkers, _ = fallback.Int64UpDownCounter("")
		}

		if metrics.runDuration, err = meter.Float64Histogram("flow_run_duration_seconds",
			metric.WithDescription("Total run wall time"),
			metric.WithUnit("s"),
		); err != nil {
			initErrors = append(initErrors, "run_duration: "+err.Error())
			metrics.runDuration, _ = fallback.Float64Histogram("")
		}

		if metrics.runs, err = meter.Int64Counter("flow_runs_total",
			metric.WithDescription("Finished runs by status"),
		); err != nil {
			initErrors = append(initErrors, "runs: "+err.Error())
			metrics.runs, _ = fallback.Int64Counter("")
		}

		if len(initErrors) > 0 {
			logger.Error("failed to initialize some engine metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
	return &metrics
}

func (m *engineMetrics) recordBatch(ctx context.Context, node, op string, d time.Duration, err error) {
	m.batchDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("node", node),
		attribute.String("op", op),
		attribute.Bool("success", err == nil),
	))
}

func (m *engineMetrics) recordItems(ctx context.Context, node, direction string, n int) {
	if n == 0 {
		return
	}
	m.items.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("node", node),
		attribute.String("direction", direction),
	))
}

func (m *engineMetrics) recordRun(ctx context.Context, plan string, status Status, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("plan", plan), attribute.String("status", string(status)))
	m.runDuration.Record(ctx, d.Seconds(), attrs)
	m.runs.Add(ctx, 1, attrs)
}
