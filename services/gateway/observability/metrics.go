// Copyright (C) 2026 Aegis Labs (security@aegislabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability exposes the gateway's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts processed requests by final outcome.
	// Outcomes: accepted, rejected, blocked, honeypot, banned,
	// backend_error, circuit_open.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegisgate",
		Name:      "requests_total",
		Help:      "Processed requests by outcome.",
	}, []string{"outcome"})

	// HoneypotTripsTotal counts trap and canary hits.
	HoneypotTripsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aegisgate",
		Name:      "honeypot_trips_total",
		Help:      "Requests that touched a trap task or canary parameter.",
	})

	// FirewallBlocksTotal counts contexts rejected at the injection
	// score threshold.
	FirewallBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aegisgate",
		Name:      "firewall_blocks_total",
		Help:      "Contexts blocked by the injection firewall.",
	})

	// RedactionsTotal counts values replaced by the data airlock.
	RedactionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aegisgate",
		Name:      "airlock_redactions_total",
		Help:      "Sensitive values redacted before prompt assembly.",
	})

	// ThreatScore observes the injection score of scanned contexts.
	ThreatScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "aegisgate",
		Name:      "firewall_threat_score",
		Help:      "Injection score of scanned contexts.",
		Buckets:   []float64{0, 1, 2, 3, 5, 8},
	})

	// BackendLatency observes model backend call duration.
	BackendLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "aegisgate",
		Name:      "backend_latency_seconds",
		Help:      "Model backend call latency.",
		Buckets:   prometheus.DefBuckets,
	})

	// DeadLettersTotal counts buried requests.
	DeadLettersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aegisgate",
		Name:      "dead_letters_total",
		Help:      "Requests buried in the dead letter vault.",
	})

	// BreakerState publishes the circuit state as a gauge
	// (0 closed, 1 open, 2 half-open).
	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aegisgate",
		Name:      "breaker_state",
		Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
	})
)
