// Package metrics provides Prometheus metrics for the record-control service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	TransitionsTotal        *prometheus.CounterVec
	TransitionsRejected     *prometheus.CounterVec
	LeaseAcquisitionsTotal  prometheus.Counter
	LeaseConflictsTotal     prometheus.Counter
	CommitConflictsTotal    prometheus.Counter
	AuditAppendRetriesTotal prometheus.Counter
	AuditChainVerifications *prometheus.CounterVec
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	m := &Metrics{}

	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registra_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "registra_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registra_transitions_total",
			Help: "Total number of accepted lifecycle transitions",
		},
		[]string{"action", "new_status"},
	)

	m.TransitionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registra_transitions_rejected_total",
			Help: "Total number of rejected transition attempts",
		},
		[]string{"action"},
	)

	m.LeaseAcquisitionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registra_lease_acquisitions_total",
			Help: "Total number of successful edit lease acquisitions",
		},
	)

	m.LeaseConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registra_lease_conflicts_total",
			Help: "Total number of lease acquisitions refused because a live lease exists",
		},
	)

	m.CommitConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registra_commit_conflicts_total",
			Help: "Total number of commits refused due to a stale base version",
		},
	)

	m.AuditAppendRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registra_audit_append_retries_total",
			Help: "Total number of audit append retries after a raced sequence slot",
		},
	)

	m.AuditChainVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registra_audit_chain_verifications_total",
			Help: "Total number of audit chain verifications by result",
		},
		[]string{"result"},
	)

	return m
}

// RecordHTTPRequest records one handled HTTP request.
func (m *Metrics) RecordHTTPRequest(method, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// Handler exposes Prometheus metrics at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
