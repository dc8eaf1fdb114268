// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "linkresolver"

var (
	// StatusTransitions counts dispatch status writes.
	// Labels: service, status
	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "status_transitions_total",
		Help:      "Dispatch status writes by service and status",
	}, []string{"service", "status"})

	// ServicesScheduled counts scheduler decisions.
	// Labels: outcome (queued, skipped)
	ServicesScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "services_scheduled_total",
		Help:      "Candidate services queued or skipped by the scheduler",
	}, []string{"outcome"})

	// ServiceDuration measures service runs.
	// Labels: service, status
	ServiceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "service_duration_seconds",
		Help:      "Service run duration in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
	}, []string{"service", "status"})

	// RequestsTotal counts resolutions.
	// Labels: outcome (created, reused)
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "requests_total",
		Help:      "Resolved requests by outcome",
	}, []string{"outcome"})

	// CircuitOpen is 1 while a service's circuit breaker is open.
	// Labels: service
	CircuitOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "circuit_open",
		Help:      "1 while the service circuit breaker is open",
	}, []string{"service"})

	// UpstreamRequests counts outbound HTTP calls made by services.
	// Labels: upstream, code
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Outbound requests by upstream and HTTP status code",
	}, []string{"upstream", "code"})
)
