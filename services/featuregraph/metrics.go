// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package featuregraph

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for feature graph operations.
var (
	tracer = otel.Tracer("apkgraph.featuregraph")
	meter  = otel.Meter("apkgraph.featuregraph")
)

var (
	buildLatency  metric.Float64Histogram
	recordsBuilt  metric.Int64Counter
	recordsFailed metric.Int64Counter
	graphNodes    metric.Int64Histogram
	graphEdges    metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		buildLatency, err = meter.Float64Histogram(
			"featuregraph_build_duration_seconds",
			metric.WithDescription("Duration of a full feature graph pass"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		recordsBuilt, err = meter.Int64Counter(
			"featuregraph_records_built_total",
			metric.WithDescription("Records merged into the feature graph"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		recordsFailed, err = meter.Int64Counter(
			"featuregraph_records_failed_total",
			metric.WithDescription("Records skipped during graph construction"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		graphNodes, err = meter.Int64Histogram(
			"featuregraph_nodes",
			metric.WithDescription("Nodes in the aggregate graph per pass"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		graphEdges, err = meter.Int64Histogram(
			"featuregraph_edges",
			metric.WithDescription("Edges in the aggregate graph per pass"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordBuildMetrics(ctx context.Context, r *BuildReport) {
	if err := initMetrics(); err != nil {
		return
	}
	buildLatency.Record(ctx, r.Duration.Seconds())
	recordsBuilt.Add(ctx, int64(r.Built))
	graphNodes.Record(ctx, int64(r.Nodes))
	graphEdges.Record(ctx, int64(r.Edges))
}

func recordRecordFailure(ctx context.Context, reason string) {
	if err := initMetrics(); err != nil {
		return
	}
	recordsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func startBuildSpan(ctx context.Context, dirCount int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Pipeline.Run",
		trace.WithAttributes(
			attribute.Int("featuregraph.dir_count", dirCount),
		),
	)
}

func setBuildSpanResult(span trace.Span, r *BuildReport) {
	span.SetAttributes(
		attribute.Int("featuregraph.record_count", r.Records),
		attribute.Int("featuregraph.built", r.Built),
		attribute.Int("featuregraph.failed", r.Failed),
		attribute.Int("featuregraph.node_count", r.Nodes),
		attribute.Int("featuregraph.edge_count", r.Edges),
		attribute.Int("featuregraph.token_count", r.Tokens),
	)
}
