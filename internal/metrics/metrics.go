/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exposes the cycle-level Prometheus instrumentation for the
// permit engine: how many cycles ran, how long they took, how many rows each
// source contributed, and where per-client and per-delivery failures occurred.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	ServiceOrchestrator = "orchestrator"
)

const (
	CycleStatusCompleted = "completed"
	CycleStatusFatal      = "fatal"
)

// Metrics bundles the counters and histograms the orchestrator records
// against over the lifetime of the process.
type Metrics struct {
	CyclesTotal          *prometheus.CounterVec
	CycleDurationSeconds *prometheus.HistogramVec
	SourceRowsTotal      *prometheus.CounterVec
	SourceFailuresTotal  *prometheus.CounterVec
	MatcherFailuresTotal *prometheus.CounterVec
	PermitsMatchedTotal  *prometheus.CounterVec
	DeliveryFailuresTotal *prometheus.CounterVec
	LedgerWritesTotal    *prometheus.CounterVec
}

// NewMetricsWithRegistry constructs a Metrics bundle registered against
// registry, with metric names prefixed "<namespace>_" (and, if subsystem is
// non-empty, "<namespace>_<subsystem>_"). Tests pass a fresh
// prometheus.NewRegistry() per case to avoid duplicate-registration panics;
// cmd/permitengine also wires a fresh prometheus.NewRegistry().
func NewMetricsWithRegistry(namespace, subsystem string, registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cycles_total",
			Help:      "Total number of orchestrator cycles, by outcome.",
		}, []string{"status"}),
		CycleDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of a full orchestrator cycle.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		SourceRowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "source_rows_total",
			Help:      "Permit rows ingested per scrape source.",
		}, []string{"source"}),
		SourceFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "source_failures_total",
			Help:      "Scrape failures per source, by sanitized reason.",
		}, []string{"source", "reason"}),
		MatcherFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "matcher_failures_total",
			Help:      "Per-client matcher failures, by sanitized reason.",
		}, []string{"reason"}),
		PermitsMatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "permits_matched_total",
			Help:      "Permits surviving a client's matcher pipeline.",
		}, []string{"client_id"}),
		DeliveryFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "delivery_failures_total",
			Help:      "Per-client delivery failures, by sanitized reason.",
		}, []string{"reason"}),
		LedgerWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ledger_writes_total",
			Help:      "Ledger record attempts, by outcome.",
		}, []string{"status"}),
	}

	registry.MustRegister(
		m.CyclesTotal,
		m.CycleDurationSeconds,
		m.SourceRowsTotal,
		m.SourceFailuresTotal,
		m.MatcherFailuresTotal,
		m.PermitsMatchedTotal,
		m.DeliveryFailuresTotal,
		m.LedgerWritesTotal,
	)

	return m
}
