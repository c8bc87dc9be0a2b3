package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// Deployment metrics
	DeploymentsTotal  *prometheus.CounterVec
	DeploymentsActive prometheus.Gauge
	PhaseDuration     *prometheus.HistogramVec

	// Instance metrics
	ProvisioningTotal    *prometheus.CounterVec
	ProvisioningDuration *prometheus.HistogramVec
	RollbacksTotal       *prometheus.CounterVec

	// API metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Queue metrics
	QueueDepth    *prometheus.GaugeVec
	QueueLatency  *prometheus.HistogramVec
	JobsTotal     *prometheus.CounterVec
	WorkersActive prometheus.Gauge

	// Live streams
	StreamsActive *prometheus.GaugeVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "instance_deployer"
	}
	factory := promauto.With(reg)

	return &Metrics{
		DeploymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_total",
				Help:      "Total number of deployment pipeline runs",
			},
			[]string{"operation", "app_kind", "status"},
		),
		DeploymentsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "deployments_active",
				Help:      "Number of pipeline runs in progress",
			},
		),
		PhaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Time spent in each pipeline phase",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"phase", "status"},
		),

		ProvisioningTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provisioning_total",
				Help:      "Total number of instance provisioning operations",
			},
			[]string{"operation", "region", "status"},
		),
		ProvisioningDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provisioning_duration_seconds",
				Help:      "Time taken for instance provisioning operations",
				Buckets:   []float64{30, 60, 90, 120, 180, 300, 600},
			},
			[]string{"operation", "status"},
		),
		RollbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provisioning_rollbacks_total",
				Help:      "Cloud resources released after a failed provisioning run",
			},
			[]string{"resource", "status"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Number of jobs in the queue",
			},
			[]string{"queue"},
		),
		QueueLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_latency_seconds",
				Help:      "Time jobs spend waiting in queue",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"job_type"},
		),
		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Jobs handled by workers",
			},
			[]string{"job_type", "outcome"},
		),
		WorkersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_active",
				Help:      "Number of active worker goroutines",
			},
		),

		StreamsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "streams_active",
				Help:      "Open websocket streams",
			},
			[]string{"kind"},
		),
	}
}

// RecordDeployment records a finished pipeline run
func (m *Metrics) RecordDeployment(operation, appKind, status string) {
	m.DeploymentsTotal.WithLabelValues(operation, appKind, status).Inc()
}

// RecordPhaseDuration records how long one pipeline phase took
func (m *Metrics) RecordPhaseDuration(phase, status string, seconds float64) {
	m.PhaseDuration.WithLabelValues(phase, status).Observe(seconds)
}

// IncActiveDeployments increments runs in progress
func (m *Metrics) IncActiveDeployments() {
	m.DeploymentsActive.Inc()
}

// DecActiveDeployments decrements runs in progress
func (m *Metrics) DecActiveDeployments() {
	m.DeploymentsActive.Dec()
}

// RecordProvisioning records an instance provisioning operation
func (m *Metrics) RecordProvisioning(operation, region, status string, seconds float64) {
	m.ProvisioningTotal.WithLabelValues(operation, region, status).Inc()
	m.ProvisioningDuration.WithLabelValues(operation, status).Observe(seconds)
}

// RecordRollback records one cleanup action
func (m *Metrics) RecordRollback(resource, status string) {
	m.RollbacksTotal.WithLabelValues(resource, status).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration
func (m *Metrics) RecordHTTPRequestDuration(method, path string, seconds float64) {
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}

// IncHTTPRequestsInFlight increments in-flight requests
func (m *Metrics) IncHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Inc()
}

// DecHTTPRequestsInFlight decrements in-flight requests
func (m *Metrics) DecHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Dec()
}

// SetQueueDepth sets the queue depth for a specific queue
func (m *Metrics) SetQueueDepth(queue string, depth float64) {
	m.QueueDepth.WithLabelValues(queue).Set(depth)
}

// RecordQueueLatency records how long a job waited before a worker took it
func (m *Metrics) RecordQueueLatency(jobType string, seconds float64) {
	m.QueueLatency.WithLabelValues(jobType).Observe(seconds)
}

// RecordJob records a handled job
func (m *Metrics) RecordJob(jobType, outcome string) {
	m.JobsTotal.WithLabelValues(jobType, outcome).Inc()
}

// SetWorkersActive sets the number of active workers
func (m *Metrics) SetWorkersActive(count float64) {
	m.WorkersActive.Set(count)
}

// StreamOpened tracks an open websocket of the given kind
func (m *Metrics) StreamOpened(kind string) {
	m.StreamsActive.WithLabelValues(kind).Inc()
}

// StreamClosed tracks a closed websocket of the given kind
func (m *Metrics) StreamClosed(kind string) {
	m.StreamsActive.WithLabelValues(kind).Dec()
}

// Global metrics instance
var DefaultMetrics = NewMetrics("", prometheus.DefaultRegisterer)
