// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for edgemux.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for edgemux.
type Metrics struct {
	// Connection metrics
	ActiveConnections  *prometheus.GaugeVec
	TotalConnections   *prometheus.CounterVec
	ConnectionDuration *prometheus.HistogramVec
	BytesReceived      *prometheus.CounterVec
	BytesSent          *prometheus.CounterVec

	// Admission metrics
	ConnectionsAllowed *prometheus.CounterVec
	ConnectionsBlocked *prometheus.CounterVec
	RateLimited        *prometheus.CounterVec

	// TLS inspection metrics
	TLSDetections  *prometheus.CounterVec
	SNIRouteMatch  *prometheus.CounterVec
	SNIRouteMisses *prometheus.CounterVec

	// Redis filter metrics
	RedisCommands        *prometheus.CounterVec
	RedisCommandsBlocked *prometheus.CounterVec
	ParseErrors          *prometheus.CounterVec

	// WAF metrics
	WafScans   *prometheus.CounterVec
	WafMatches *prometheus.CounterVec
}

// New creates a new Metrics instance with all counters, gauges, and histograms.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "edgemux"
	}

	return &Metrics{
		ActiveConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently active connections",
			},
			[]string{"listener"},
		),
		TotalConnections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of connections",
			},
			[]string{"listener", "status"},
		),
		ConnectionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Connection duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"listener"},
		),
		BytesReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_received_total",
				Help:      "Total bytes received from clients",
			},
			[]string{"listener"},
		),
		BytesSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_sent_total",
				Help:      "Total bytes sent to clients",
			},
			[]string{"listener"},
		),
		ConnectionsAllowed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ip_filter_allowed_connections_total",
				Help:      "Connections admitted by address rules",
			},
			[]string{"listener"},
		),
		ConnectionsBlocked: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ip_filter_blocked_connections_total",
				Help:      "Connections rejected by address rules",
			},
			[]string{"listener"},
		),
		RateLimited: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limiter_connections_rejected_total",
				Help:      "Connections rejected by the connection limiter",
			},
			[]string{"listener"},
		),
		TLSDetections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tls_detector_connections_total",
				Help:      "Connections classified by the TLS detector",
			},
			[]string{"listener", "result"},
		),
		SNIRouteMatch: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sni_router_matches_total",
				Help:      "SNI lookups that matched a cluster mapping",
			},
			[]string{"listener"},
		),
		SNIRouteMisses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sni_router_misses_total",
				Help:      "SNI lookups without a cluster mapping",
			},
			[]string{"listener"},
		),
		RedisCommands: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "redis_commands_total",
				Help:      "Redis commands decoded",
			},
			[]string{"listener"},
		),
		RedisCommandsBlocked: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "redis_commands_blocked",
				Help:      "Redis commands rejected by the blocklist",
			},
			[]string{"listener"},
		),
		ParseErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "parse_errors_total",
				Help:      "Deliveries that failed protocol decoding",
			},
			[]string{"listener", "protocol"},
		),
		WafScans: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "waf_scans_total",
				Help:      "Bodies scanned by the pattern matcher",
			},
			[]string{"listener"},
		),
		WafMatches: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "waf_matches_total",
				Help:      "Bodies rejected by the pattern matcher",
			},
			[]string{"listener"},
		),
	}
}

// ObserveConnection records the lifecycle metrics for one finished connection.
func (m *Metrics) ObserveConnection(listener, status string, start time.Time) {
	m.TotalConnections.WithLabelValues(listener, status).Inc()
	m.ConnectionDuration.WithLabelValues(listener).Observe(time.Since(start).Seconds())
}
