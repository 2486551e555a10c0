// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-fserver.
//
// go-fserver is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package metrics provides Prometheus instrumentation for the ceremony
// server: connection and session gauges, message and round-transition
// counters, and the recovered-error counter broken down by taxonomy class.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all fserver metrics
	Namespace = "fserver"

	// Label names
	LabelKind       = "kind"
	LabelState      = "state"
	LabelType       = "type"
	LabelClass      = "class"
	LabelTransition = "transition"
	LabelOutcome    = "outcome"

	// Session kinds
	KindDKG  = "dkg"
	KindSign = "sign"
)

var (
	// ActiveConnections tracks the number of live WebSocket connections.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_connections",
			Help:      "Number of live WebSocket connections",
		},
	)

	// ActiveSessions tracks non-terminal sessions by kind (dkg, sign).
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_sessions",
			Help:      "Number of non-terminal sessions by kind",
		},
		[]string{LabelKind},
	)

	// SessionsTotal counts sessions reaching a terminal state by kind and
	// outcome (finalized, complete, failed).
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sessions_total",
			Help:      "Total sessions reaching a terminal state by kind and outcome",
		},
		[]string{LabelKind, LabelOutcome},
	)

	// RoundTransitions counts barrier-triggered lifecycle transitions by kind
	// and transition name (round1, round2, finalized, signing_package,
	// signature_ready).
	RoundTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "round_transitions_total",
			Help:      "Total barrier-triggered session transitions by kind and transition",
		},
		[]string{LabelKind, LabelTransition},
	)

	// MessagesTotal counts inbound client messages by type tag.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "messages_total",
			Help:      "Total inbound client messages by type",
		},
		[]string{LabelType},
	)

	// ErrorsTotal counts recovered handler errors by taxonomy class
	// (auth, authorization, verification, protocol, consistency, aggregation).
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total recovered handler errors by taxonomy class",
		},
		[]string{LabelClass},
	)

	// HTTPRequestsTotal counts HTTP requests by method and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method and status code",
		},
		[]string{"method", "status"},
	)

	// HTTPRequestDuration tracks HTTP request latency by method.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Goroutines tracks the current goroutine count.
	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	// MemoryAllocBytes tracks currently allocated heap bytes.
	MemoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "memory_alloc_bytes",
			Help:      "Currently allocated heap bytes",
		},
	)

	// MemorySysBytes tracks bytes obtained from the OS.
	MemorySysBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "memory_sys_bytes",
			Help:      "Total bytes obtained from the OS",
		},
	)

	// GCPauseTotalSeconds tracks cumulative GC pause time.
	GCPauseTotalSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "gc_pause_total_seconds",
			Help:      "Cumulative garbage collection pause time in seconds",
		},
	)

	// ServerUptime tracks seconds since the server started.
	ServerUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the server started",
		},
	)

	// enabled tracks whether metrics collection is enabled
	enabled atomic.Bool
)

func init() {
	// Metrics are enabled by default
	enabled.Store(true)
}

// IncrementActiveConnections increments the live connection count.
func IncrementActiveConnections() {
	if !enabled.Load() {
		return
	}
	ActiveConnections.Inc()
}

// DecrementActiveConnections decrements the live connection count.
func DecrementActiveConnections() {
	if !enabled.Load() {
		return
	}
	ActiveConnections.Dec()
}

// SessionStarted records a newly announced session.
func SessionStarted(kind string) {
	if !enabled.Load() {
		return
	}
	ActiveSessions.WithLabelValues(kind).Inc()
}

// SessionEnded records a session reaching a terminal state.
func SessionEnded(kind, outcome string) {
	if !enabled.Load() {
		return
	}
	ActiveSessions.WithLabelValues(kind).Dec()
	SessionsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordTransition records a barrier-triggered lifecycle transition.
func RecordTransition(kind, transition string) {
	if !enabled.Load() {
		return
	}
	RoundTransitions.WithLabelValues(kind, transition).Inc()
}

// RecordMessage records an inbound client message by type tag.
func RecordMessage(msgType string) {
	if !enabled.Load() {
		return
	}
	MessagesTotal.WithLabelValues(msgType).Inc()
}

// RecordError records a recovered handler error by taxonomy class.
func RecordError(class string) {
	if !enabled.Load() {
		return
	}
	ErrorsTotal.WithLabelValues(class).Inc()
}

// RecordHTTPRequest records a completed HTTP request.
func RecordHTTPRequest(method, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	HTTPRequestsTotal.WithLabelValues(method, status).Inc()
	HTTPRequestDuration.WithLabelValues(method).Observe(duration)
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
// Useful for testing or when metrics are not desired.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}
