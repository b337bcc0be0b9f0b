// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extractor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("apkgraph.extractor")

// ==============================================================================
// Prometheus Metrics
// ==============================================================================

var (
	// itemsTotal counts finished items by result and failure reason
	itemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apkgraph_extract_items_total",
		Help: "Extraction items finished, by result and failure reason",
	}, []string{"result", "reason"})

	// itemDuration tracks wall time per item, staging through cleanup
	itemDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "apkgraph_extract_item_duration_seconds",
		Help:    "Wall time of one extraction item in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34min
	})

	// runDuration tracks wall time per Extract call
	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "apkgraph_extract_run_duration_seconds",
		Help:    "Wall time of one extraction run in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16),
	})

	// workersBusy is the number of items currently in flight
	workersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "apkgraph_extract_workers_busy",
		Help: "Extraction items currently in flight",
	})

	// containerExits counts non-zero analysis tool exits that still ran
	containerExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apkgraph_extract_container_nonzero_exits_total",
		Help: "Analysis containers that exited non-zero, by exit code",
	}, []string{"code"})
)
