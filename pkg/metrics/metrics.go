// Copyright (c) Arkadiusz Bokowy
// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus instrumentation for the tunnel.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics both tunnel engines report to.
type Metrics struct {
	// ActiveConnections counts currently running sessions, labeled by
	// protocol ("tunnel") and engine ("client"/"server").
	ActiveConnections *prometheus.GaugeVec

	// TotalConnections counts sessions that have finished, labeled by
	// engine and outcome ("success"/"error").
	TotalConnections *prometheus.CounterVec

	// ConnectionErrors counts session failures by taxonomy category,
	// matching the pkg/errors sentinel names.
	ConnectionErrors *prometheus.CounterVec

	// ConnectionDuration observes how long each session ran.
	ConnectionDuration *prometheus.HistogramVec

	// RequestSize observes UDP-to-stream frame payload sizes.
	RequestSize *prometheus.HistogramVec

	// ResponseSize observes stream-to-UDP frame payload sizes.
	ResponseSize *prometheus.HistogramVec

	// CircuitBreakerState reports the destination-resolution breaker's
	// state (0=closed, 1=half_open, 2=open).
	CircuitBreakerState *prometheus.GaugeVec

	// CircuitBreakerTrips counts transitions into the open state.
	CircuitBreakerTrips *prometheus.CounterVec

	// RateLimitedRequests counts UDP datagrams dropped by the per-source
	// ingress rate limiter.
	RateLimitedRequests *prometheus.CounterVec

	// GoroutinesActive and MemoryAllocated are sampled periodically by
	// the supervisor to give operators a coarse resource picture.
	GoroutinesActive *prometheus.GaugeVec
	MemoryAllocated  *prometheus.GaugeVec
}

// New creates a Metrics instance with all series registered under
// namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "wgtcptunnel"
	}

	return &Metrics{
		ActiveConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently active tunnel sessions",
			},
			[]string{"protocol", "engine"},
		),
		TotalConnections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of tunnel sessions that have ended",
			},
			[]string{"engine", "status"},
		),
		ConnectionErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_errors_total",
				Help:      "Total number of session errors by taxonomy category",
			},
			[]string{"engine", "error_type"},
		),
		ConnectionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Session duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"protocol", "engine"},
		),
		RequestSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_size_bytes",
				Help:      "Size in bytes of UDP-to-stream frame payloads",
				Buckets:   []float64{16, 64, 256, 1024, 2048, 4096},
			},
			[]string{"protocol"},
		),
		ResponseSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "response_size_bytes",
				Help:      "Size in bytes of stream-to-UDP frame payloads",
				Buckets:   []float64{16, 64, 256, 1024, 2048, 4096},
			},
			[]string{"protocol"},
		),
		CircuitBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Destination resolution circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"resolver"},
		),
		CircuitBreakerTrips: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of times the resolution circuit breaker opened",
			},
			[]string{"resolver"},
		),
		RateLimitedRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_requests_total",
				Help:      "Total number of UDP datagrams dropped by ingress rate limiting",
			},
			[]string{"engine"},
		),
		GoroutinesActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_active",
				Help:      "Number of goroutines currently running in the process",
			},
			[]string{"component"},
		),
		MemoryAllocated: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_allocated_bytes",
				Help:      "Heap memory allocated in bytes, sampled periodically",
			},
			[]string{"type"},
		),
	}
}
