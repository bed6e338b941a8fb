// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and tracing for the chat service.
//
// # Description
//
// Prometheus metrics cover the completion pipeline:
//   - Turn counters (by mode and outcome, and errors by code)
//   - Provider latency (time to first fragment, total dispatch duration)
//   - Active stream gauge, keepalives and client disconnects
//   - Search augmentation outcomes
//
// Tracing (tracing.go) installs the OpenTelemetry tracer provider used by the
// provider adapters and the gin middleware.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every recording method is a no-op on a nil *ChatMetrics, so callers may run
// without metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for chat metrics
const chatSubsystem = "chat"

// ChatMetrics holds all Prometheus metrics for the completion pipeline.
//
// # Description
//
// Initialize once at startup via NewChatMetrics. Tests pass their own
// registry so metrics stay isolated.
type ChatMetrics struct {
	// TurnsTotal counts completed turns.
	// Labels: mode (buffered, stream), status (success, error)
	TurnsTotal *prometheus.CounterVec

	// ErrorsTotal counts errors by mode and code.
	ErrorsTotal *prometheus.CounterVec

	// DispatchDurationSeconds measures provider dispatch including stream
	// consumption.
	// Labels: provider, mode
	DispatchDurationSeconds *prometheus.HistogramVec

	// TimeToFirstFragmentSeconds measures latency to the first non-empty
	// fragment of a stream.
	// Labels: provider
	TimeToFirstFragmentSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently open SSE streams.
	ActiveStreams prometheus.Gauge

	// KeepAlivesTotal counts keepalive pings sent.
	KeepAlivesTotal prometheus.Counter

	// ClientDisconnectsTotal counts clients that went away mid-stream.
	ClientDisconnectsTotal prometheus.Counter

	// SearchTotal counts search augmentation attempts.
	// Labels: outcome (hit, empty, error)
	SearchTotal *prometheus.CounterVec
}

// NewChatMetrics creates and registers all chat metrics on reg. A nil reg
// means the Prometheus default registerer.
//
// # Limitations
//
//   - Panics if called twice against the same registry (duplicate registration).
func NewChatMetrics(reg prometheus.Registerer) *ChatMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &ChatMetrics{
		TurnsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "turns_total",
				Help:      "Total chat turns by mode and status",
			},
			[]string{"mode", "status"},
		),

		ErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "errors_total",
				Help:      "Total chat errors by mode and error code",
			},
			[]string{"mode", "error_code"},
		),

		DispatchDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "dispatch_duration_seconds",
				Help:      "Provider dispatch duration in seconds, including stream consumption",
				Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "mode"},
		),

		TimeToFirstFragmentSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "time_to_first_fragment_seconds",
				Help:      "Time from dispatch to the first streamed fragment in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"provider"},
		),

		ActiveStreams: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently open streaming responses",
			},
		),

		KeepAlivesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
		),

		ClientDisconnectsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
		),

		SearchTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "search_total",
				Help:      "Total search augmentation attempts by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// =============================================================================
// Labels
// =============================================================================

// Mode is how a turn was delivered.
type Mode string

const (
	ModeBuffered Mode = "buffered"
	ModeStream   Mode = "stream"
)

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeNotFound indicates a missing or foreign conversation.
	ErrorCodeNotFound ErrorCode = "not_found"

	// ErrorCodeProviderUnavailable indicates a backend without credentials.
	ErrorCodeProviderUnavailable ErrorCode = "provider_unavailable"

	// ErrorCodeProviderError indicates the backend call failed.
	ErrorCodeProviderError ErrorCode = "provider_error"

	// ErrorCodeStreamRead indicates a fragment failed mid-stream.
	ErrorCodeStreamRead ErrorCode = "stream_read"

	// ErrorCodeTimeout indicates the dispatch deadline passed.
	ErrorCodeTimeout ErrorCode = "timeout"

	// ErrorCodeInternal indicates a storage or other server failure.
	ErrorCodeInternal ErrorCode = "internal"
)

// SearchOutcome labels a search augmentation attempt.
type SearchOutcome string

const (
	SearchHit   SearchOutcome = "hit"
	SearchEmpty SearchOutcome = "empty"
	SearchError SearchOutcome = "error"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordTurn records a finished turn.
func (m *ChatMetrics) RecordTurn(mode Mode, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.TurnsTotal.WithLabelValues(string(mode), status).Inc()
}

// RecordError records a categorized error.
func (m *ChatMetrics) RecordError(mode Mode, code ErrorCode) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(mode), string(code)).Inc()
}

// RecordDispatch records how long a provider dispatch took.
func (m *ChatMetrics) RecordDispatch(provider string, mode Mode, seconds float64) {
	if m == nil {
		return
	}
	m.DispatchDurationSeconds.WithLabelValues(provider, string(mode)).Observe(seconds)
}

// RecordTimeToFirstFragment records the latency to the first fragment.
func (m *ChatMetrics) RecordTimeToFirstFragment(provider string, seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstFragmentSeconds.WithLabelValues(provider).Observe(seconds)
}

// StreamStarted increments the active streams gauge.
func (m *ChatMetrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *ChatMetrics) StreamEnded() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

// RecordKeepAlive increments the keepalive counter.
func (m *ChatMetrics) RecordKeepAlive() {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *ChatMetrics) RecordClientDisconnect() {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.Inc()
}

// RecordSearch records a search augmentation outcome.
func (m *ChatMetrics) RecordSearch(outcome SearchOutcome) {
	if m == nil {
		return
	}
	m.SearchTotal.WithLabelValues(string(outcome)).Inc()
}
