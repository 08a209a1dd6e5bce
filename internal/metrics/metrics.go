// Fulcrum Tracker - Fitness Attendance and PR Analytics
// Copyright 2026 Fulcrum Tracker Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fulcrumtracker/fulcrumtracker

// Package metrics exposes Prometheus instrumentation for the tracker:
// update cycle timing and outcomes, session counters, the state machine
// phase, upstream client health, and API traffic.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fulcrumtracker/fulcrumtracker/internal/models"
)

var (
	// Update cycle metrics
	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fulcrum_cycle_duration_seconds",
			Help:    "Duration of update cycles in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600}, // Historical loads can take minutes
		},
		[]string{"phase", "trigger"},
	)

	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulcrum_cycles_total",
			Help: "Total number of update cycles by outcome",
		},
		[]string{"phase", "trigger", "outcome"}, // outcome: success, failure, rejected
	)

	ConsecutiveFailures = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fulcrum_consecutive_failures",
			Help: "Current count of consecutive failed cycles",
		},
	)

	LastCycleSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fulcrum_last_cycle_success_timestamp",
			Help: "Unix timestamp of the last successful cycle",
		},
	)

	// Session metrics
	TotalSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fulcrum_total_sessions",
			Help: "Reconciled all-time session count",
		},
	)

	SessionsBySource = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fulcrum_sessions_by_source",
			Help: "Session counts per data source",
		},
		[]string{"source"}, // attendance, calendar
	)

	NewSessions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fulcrum_new_sessions_total",
			Help: "Total new sessions discovered by incremental cycles",
		},
	)

	SourceDivergence = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fulcrum_source_divergence",
			Help: "Absolute difference between attendance and calendar counts",
		},
	)

	TotalPRs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fulcrum_total_prs",
			Help: "Total personal records on the PR page",
		},
	)

	// State machine metrics
	CurrentPhase = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fulcrum_phase",
			Help: "Current synchronization phase (1 for the active phase)",
		},
		[]string{"phase"},
	)

	PhaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulcrum_phase_transitions_total",
			Help: "Total phase transitions",
		},
		[]string{"from", "to", "forced"},
	)

	// Upstream client metrics
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulcrum_upstream_requests_total",
			Help: "Total requests to upstream services",
		},
		[]string{"service", "outcome"}, // service: zenplanner, gcal
	)

	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fulcrum_upstream_request_duration_seconds",
			Help:    "Upstream request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fulcrum_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"service"},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulcrum_api_requests_total",
			Help: "Total API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fulcrum_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "endpoint"},
	)
)

// RecordCycle records the outcome of one update cycle.
func RecordCycle(phase models.Phase, trigger string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	CyclesTotal.WithLabelValues(string(phase), trigger, outcome).Inc()
	CycleDuration.WithLabelValues(string(phase), trigger).Observe(duration.Seconds())
	if err == nil {
		LastCycleSuccess.SetToCurrentTime()
	}
}

// SetPhase updates the phase gauge so exactly one phase reads 1.
func SetPhase(current models.Phase) {
	for _, p := range []models.Phase{models.PhaseInit, models.PhaseHistoricalLoad, models.PhaseIncremental} {
		val := 0.0
		if p == current {
			val = 1.0
		}
		CurrentPhase.WithLabelValues(string(p)).Set(val)
	}
}

// RecordUpstream records one upstream request.
func RecordUpstream(service string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	UpstreamRequests.WithLabelValues(service, outcome).Inc()
	UpstreamRequestDuration.WithLabelValues(service).Observe(duration.Seconds())
}
