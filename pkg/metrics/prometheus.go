// Package metrics provides Prometheus metrics for the partner program service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the partner service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	registry         prometheus.Registerer

	// Rating pipeline
	eventsLogged     *prometheus.CounterVec
	eventsDuplicate  prometheus.Counter
	recomputeLatency prometheus.Histogram
	recomputeErrors  prometheus.Counter

	// Achievements and tiers
	achievementsAwarded *prometheus.CounterVec
	achievementsRevoked prometheus.Counter
	tierTransitions     *prometheus.CounterVec

	// Renewal runs
	renewalOutcomes    *prometheus.CounterVec
	renewalRuns        *prometheus.CounterVec
	renewalRunDuration prometheus.Histogram
	leaseContention    prometheus.Counter

	// Rewards configuration
	rewardsVersion       prometheus.Gauge
	rewardsRefreshErrors prometheus.Counter

	// Queue and workers
	queueSize               prometheus.Gauge
	queueCapacity           prometheus.Gauge
	queueEnqueued           prometheus.Counter
	queueDequeued           prometheus.Counter
	queueEnqueueErrors      *prometheus.CounterVec
	workerCount             prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	taskRetries             prometheus.Counter
	taskDropped             prometheus.Counter

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	errorsByComponent *prometheus.CounterVec
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// Configure rebuilds the global manager on a fresh registry with opts applied.
// It must run before any metric is recorded or the registry is exported.
func Configure(opts ...Option) {
	registry := prometheus.NewRegistry()
	globalManager = NewManager(append(opts, WithPrometheusRegistry(registry))...)
	customRegistry = registry
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "partners",
		subsystem:        "program",
		histogramBuckets: prometheus.DefBuckets,
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	})
}

func (m *Manager) histogram(name, help string) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
		Buckets: m.histogramBuckets,
	})
}

func (m *Manager) initializeMetrics() {
	m.eventsLogged = m.counterVec("events_logged_total", "Rating events appended to the log by type", "type")
	m.eventsDuplicate = m.counter("events_duplicate_total", "Rating events dropped by idempotency key")
	m.recomputeLatency = m.histogram("recompute_latency_milliseconds", "Rating recomputation latency in milliseconds")
	m.recomputeErrors = m.counter("recompute_errors_total", "Failed rating recomputations")

	m.achievementsAwarded = m.counterVec("achievements_awarded_total", "Achievement grants by source", "source")
	m.achievementsRevoked = m.counter("achievements_revoked_total", "Achievement revocations")
	m.tierTransitions = m.counterVec("tier_transitions_total", "Tier changes by reason and direction", "reason", "direction")

	m.renewalOutcomes = m.counterVec("renewal_outcomes_total", "Per-partner renewal outcomes", "outcome")
	m.renewalRuns = m.counterVec("renewal_runs_total", "Renewal runs by final status", "status")
	m.renewalRunDuration = m.histogram("renewal_run_duration_milliseconds", "Renewal run duration in milliseconds")
	m.leaseContention = m.counter("renewal_lease_contention_total", "Renewal runs rejected because the lease was held")

	m.rewardsVersion = m.gauge("rewards_config_version", "Version of the active rewards configuration")
	m.rewardsRefreshErrors = m.counter("rewards_refresh_errors_total", "Failed rewards configuration refreshes")

	m.queueSize = m.gauge("queue_size", "Current size of the recompute queue")
	m.queueCapacity = m.gauge("queue_capacity", "Maximum recompute queue capacity")
	m.queueEnqueued = m.counter("queue_enqueue_total", "Tasks enqueued")
	m.queueDequeued = m.counter("queue_dequeue_total", "Tasks dequeued")
	m.queueEnqueueErrors = m.counterVec("queue_enqueue_errors_total", "Enqueue failures by reason", "reason")
	m.workerCount = m.gauge("worker_count", "Current number of recompute workers")
	m.workerProcessingLatency = m.histogram("worker_processing_latency_milliseconds", "Task processing latency in milliseconds")
	m.taskRetries = m.counter("task_retries_total", "Recompute tasks re-queued after a failure")
	m.taskDropped = m.counter("task_dropped_total", "Recompute tasks abandoned after the last attempt")

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests by endpoint and method",
		"endpoint", "method", "status_code")
	m.httpRequestDuration = promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "http_request_duration_milliseconds",
		Help:      "HTTP request duration in milliseconds",
		Buckets:   m.histogramBuckets,
	}, []string{"endpoint", "method", "status_code"})

	m.errorsByComponent = m.counterVec("errors_by_component_total", "Errors by component", "component", "error_type")
}

// RecordEventLogged counts an appended rating event.
func RecordEventLogged(eventType string) {
	globalManager.eventsLogged.WithLabelValues(eventType).Inc()
}

// RecordEventDuplicate increments the duplicate events counter.
func RecordEventDuplicate() {
	globalManager.eventsDuplicate.Inc()
}

// RecordRecompute records a rating recomputation latency in milliseconds.
func RecordRecompute(latencyMs float64) {
	globalManager.recomputeLatency.Observe(latencyMs)
}

// RecordRecomputeError increments the recompute error counter.
func RecordRecomputeError() {
	globalManager.recomputeErrors.Inc()
}

// RecordAchievementAwarded counts a grant; source is "manual" or "automatic".
func RecordAchievementAwarded(source string) {
	globalManager.achievementsAwarded.WithLabelValues(source).Inc()
}

// RecordAchievementRevoked counts a revocation.
func RecordAchievementRevoked() {
	globalManager.achievementsRevoked.Inc()
}

// RecordTierTransition counts a tier change. direction is "up", "down" or "same".
func RecordTierTransition(reason, direction string) {
	globalManager.tierTransitions.WithLabelValues(reason, direction).Inc()
}

// RecordRenewalOutcome counts one partner's renewal result.
func RecordRenewalOutcome(outcome string) {
	globalManager.renewalOutcomes.WithLabelValues(outcome).Inc()
}

// RecordRenewalRun records a finished renewal run.
func RecordRenewalRun(status string, latencyMs float64) {
	globalManager.renewalRuns.WithLabelValues(status).Inc()
	globalManager.renewalRunDuration.Observe(latencyMs)
}

// RecordLeaseContention counts a renewal run that found the lease taken.
func RecordLeaseContention() {
	globalManager.leaseContention.Inc()
}

// UpdateRewardsConfigVersion sets the active rewards config version.
func UpdateRewardsConfigVersion(version int) {
	globalManager.rewardsVersion.Set(float64(version))
}

// RecordRewardsRefreshError increments the rewards refresh error counter.
func RecordRewardsRefreshError() {
	globalManager.rewardsRefreshErrors.Inc()
}

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() {
	globalManager.queueEnqueued.Inc()
}

// RecordQueueEnqueueError counts a failed enqueue by reason.
func RecordQueueEnqueueError(reason string) {
	globalManager.queueEnqueueErrors.WithLabelValues(reason).Inc()
}

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() {
	globalManager.queueDequeued.Inc()
}

// UpdateWorkerCount sets the current worker count.
func UpdateWorkerCount(count int) {
	globalManager.workerCount.Set(float64(count))
}

// RecordWorkerProcessingLatency records worker processing latency.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// RecordTaskRetry increments the retry counter.
func RecordTaskRetry() {
	globalManager.taskRetries.Inc()
}

// RecordTaskDropped increments the dropped task counter.
func RecordTaskDropped() {
	globalManager.taskDropped.Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
