// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for Server Knocker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Server Knocker.
type Metrics struct {
	// Backend lifecycle metrics
	BackendState    *prometheus.GaugeVec
	BackendStarts   *prometheus.CounterVec
	SpawnFailures   *prometheus.CounterVec
	BackendCrashes  *prometheus.CounterVec
	IdleStops       *prometheus.CounterVec
	StartupDuration *prometheus.HistogramVec

	// Traffic metrics
	ActiveConnections *prometheus.GaugeVec
	ConnectionsTotal  *prometheus.CounterVec
	BytesTransferred  *prometheus.CounterVec

	// Datagram metrics
	SessionsActive   *prometheus.GaugeVec
	SessionsTotal    *prometheus.CounterVec
	DatagramsTotal   *prometheus.CounterVec
	DatagramsDropped *prometheus.CounterVec

	// Process metrics
	GoroutinesActive *prometheus.GaugeVec
	MemoryAllocated  *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all counters, gauges, and
// histograms registered on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "knocker"
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		BackendState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backend_state",
				Help:      "Backend state (0=stopped, 1=starting, 2=running, 3=stopping)",
			},
			[]string{"target"},
		),
		BackendStarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_starts_total",
				Help:      "Total number of backend start attempts",
			},
			[]string{"target"},
		),
		SpawnFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_spawn_failures_total",
				Help:      "Total number of failed backend spawns",
			},
			[]string{"target", "reason"},
		),
		BackendCrashes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_crashes_total",
				Help:      "Total number of unexpected backend exits",
			},
			[]string{"target"},
		),
		IdleStops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_idle_stops_total",
				Help:      "Total number of backends stopped for idleness",
			},
			[]string{"target"},
		),
		StartupDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_startup_duration_seconds",
				Help:      "Time from spawn until the readiness probe succeeds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"target"},
		),
		ActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently active proxied connections",
			},
			[]string{"protocol"},
		),
		ConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of proxied connections",
			},
			[]string{"protocol", "status"},
		),
		BytesTransferred: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_transferred_total",
				Help:      "Total bytes relayed between clients and the backend",
			},
			[]string{"protocol", "direction"},
		),
		SessionsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Number of currently tracked datagram sessions",
			},
			[]string{"protocol"},
		),
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of datagram sessions by outcome",
			},
			[]string{"protocol", "status"},
		),
		DatagramsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "datagrams_total",
				Help:      "Total number of relayed datagrams",
			},
			[]string{"direction"},
		),
		DatagramsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "datagrams_dropped_total",
				Help:      "Total number of dropped datagrams",
			},
			[]string{"reason"},
		),
		GoroutinesActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_active",
				Help:      "Number of active goroutines",
			},
			[]string{"component"},
		),
		MemoryAllocated: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_allocated_bytes",
				Help:      "Memory allocated in bytes",
			},
			[]string{"type"},
		),
	}

	return m
}

// Registry returns the underlying Prometheus registry for exposition.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
