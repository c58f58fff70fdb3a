// Package metrics defines all Prometheus metrics for sid.
// All metrics use the "sid_" prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sid"

// --- Pending Request Metrics ---

var (
	// PendingRequests is a gauge of devices currently awaiting a decision.
	PendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_requests",
		Help:      "Number of devices awaiting operator approval.",
	})

	// SuppressedMACs is a gauge of MACs inside their grace window.
	SuppressedMACs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "suppressed_macs",
		Help:      "Number of recently resolved MACs whose detections are being ignored.",
	})

	// Observations counts tracker observations by outcome (added, duplicate, suppressed).
	Observations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "observations_total",
		Help:      "Total no-address detections fed to the tracker, by outcome.",
	}, []string{"outcome"})

	// Decisions counts operator decisions by kind and result.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decisions_total",
		Help:      "Total approve/deny/clear decisions, by kind and result.",
	}, []string{"kind", "result"})
)

// --- Allocation Metrics ---

var (
	// Allocations counts allocation attempts by result.
	Allocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "allocations_total",
		Help:      "Total static lease allocations, by result.",
	}, []string{"result"})

	// AllocationDuration tracks end-to-end allocation latency including the service restart.
	AllocationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "allocation_duration_seconds",
		Help:      "Static lease allocation duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	})

	// StaticLeases is the number of static leases on the managed network at last read.
	StaticLeases = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "static_leases",
		Help:      "Number of dhcp-host entries on the managed network.",
	})

	// ServiceRestarts counts dnsmasq restarts by result.
	ServiceRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "service_restarts_total",
		Help:      "Total DHCP service restarts, by result.",
	}, []string{"result"})

	// LivenessProbes counts pre-allocation probes by result (clear, alive, error).
	LivenessProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "liveness_probes_total",
		Help:      "Total ICMP liveness probes sent before allocation, by result.",
	}, []string{"result"})
)

// --- Log Watcher Metrics ---

var (
	// LogLines counts tailed syslog lines by classification.
	LogLines = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "log_lines_total",
		Help:      "Total syslog lines read, by classification.",
	}, []string{"kind"})

	// LogReopens counts log file reopens after rotation or truncation.
	LogReopens = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "log_reopens_total",
		Help:      "Total times the tailed log file was reopened.",
	})
)

// --- Event Bus Metrics ---

var (
	// EventsPublished counts events published by type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Total events published to the event bus, by type.",
	}, []string{"type"})

	// EventBufferDrops counts events dropped because the bus buffer was full.
	EventBufferDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_buffer_drops_total",
		Help:      "Total events dropped due to a full event buffer.",
	})

	// HookExecutions counts hook runs by hook type and result.
	HookExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hook_executions_total",
		Help:      "Total hook executions, by type and result.",
	}, []string{"type", "result"})

	// HookDuration tracks hook execution latency.
	HookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "hook_execution_duration_seconds",
		Help:      "Hook execution duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"type"})
)

// --- API Metrics ---

var (
	// APIRequests counts HTTP API requests.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "Total API requests, by method, path and status.",
	}, []string{"method", "path", "status"})

	// APIRequestDuration tracks API latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_request_duration_seconds",
		Help:      "API request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// --- Integration Metrics ---

var (
	// DDNSUpdates counts dynamic DNS updates by operation and result.
	DDNSUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ddns_updates_total",
		Help:      "Total DNS UPDATE operations, by operation and result.",
	}, []string{"operation", "result"})

	// DDNSDuration tracks DNS UPDATE latency.
	DDNSDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ddns_update_duration_seconds",
		Help:      "DNS UPDATE duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"operation"})

	// RADIUSRequests counts RADIUS authorization requests by result.
	RADIUSRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "radius_requests_total",
		Help:      "Total RADIUS MAC authorization requests, by result.",
	}, []string{"result"})

	// AuditRecords counts records written to the decision history.
	AuditRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_records_total",
		Help:      "Total decision history records written, by event.",
	}, []string{"event"})
)

// --- Server Info ---

var (
	// ServerInfo exposes build information as labels.
	ServerInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_info",
		Help:      "Server build information.",
	}, []string{"version"})

	// ServerStartTime is the unix time the process started.
	ServerStartTime = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_start_time_seconds",
		Help:      "Unix timestamp of server start.",
	})
)
