// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes a small set of Prometheus counters and
// histograms for the Match Pipeline and Orchestrator, registered
// against the default registry the way the wider autobrr/qui family
// exposes its own instrumentation. Non-goals scope out a full metrics
// server, but the ambient counters below stay wired regardless.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PipelineRuns counts completed pipeline runs by terminal result.
var PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nemorosa",
	Subsystem: "pipeline",
	Name:      "runs_total",
	Help:      "Completed Match Pipeline runs by terminal result.",
}, []string{"site", "result"})

// PipelineDuration observes wall-clock time of one pipeline run.
var PipelineDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "nemorosa",
	Subsystem: "pipeline",
	Name:      "duration_seconds",
	Help:      "Match Pipeline run duration in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"site"})

// RetryLedgerSize tracks the current number of pending Retry Ledger
// entries, sampled after every Retry orchestration sweep.
var RetryLedgerSize = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "nemorosa",
	Subsystem: "orchestrator",
	Name:      "retry_ledger_size",
	Help:      "Pending Retry Ledger entries after the last retry sweep.",
})

// TrackerErrors counts tracker adapter errors by site and kind, fed
// from the error taxonomy's AuthError/RateLimited/TransientNetworkError
// classifications.
var TrackerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nemorosa",
	Subsystem: "tracker",
	Name:      "errors_total",
	Help:      "Tracker adapter errors by site and error kind.",
}, []string{"site", "kind"})
