package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the prometheus collectors for the resilience chain. All
// helper methods are nil-safe so components can run without metrics in tests.
type Metrics struct {
	CircuitState       *prometheus.GaugeVec
	CircuitTransitions *prometheus.CounterVec
	CircuitRejections  *prometheus.CounterVec

	CacheLookups     *prometheus.CounterVec
	CacheStoreErrors prometheus.Counter

	AdmissionInFlight   *prometheus.GaugeVec
	AdmissionQueueDepth *prometheus.GaugeVec
	AdmissionRejections *prometheus.CounterVec

	PipelineDuration *prometheus.HistogramVec
}

func New() *Metrics {
	return &Metrics{
		CircuitState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bastion_circuit_state",
			Help: "Current circuit state per resource (0=closed, 1=open, 2=half-open)",
		}, []string{"resource"}),
		CircuitTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_circuit_transitions_total",
			Help: "Total circuit state transitions",
		}, []string{"resource", "from", "to"}),
		CircuitRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_circuit_rejections_total",
			Help: "Total calls rejected because a circuit was open",
		}, []string{"resource"}),
		CacheLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_cache_lookups_total",
			Help: "Conditional cache lookups by result and tier",
		}, []string{"result", "tier"}),
		CacheStoreErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bastion_cache_store_errors_total",
			Help: "Distributed cache tier errors (degraded to miss)",
		}),
		AdmissionInFlight: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bastion_admission_in_flight",
			Help: "Requests currently executing per resource",
		}, []string{"resource"}),
		AdmissionQueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bastion_admission_queue_depth",
			Help: "Requests currently queued per resource",
		}, []string{"resource"}),
		AdmissionRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_admission_rejections_total",
			Help: "Admission rejections by reason (queue_full, timeout)",
		}, []string{"resource", "reason"}),
		PipelineDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bastion_pipeline_duration_seconds",
			Help:    "End-to-end pipeline execution time by outcome",
			Buckets: prometheus.DefBuckets,
		}, []string{"resource", "outcome"}),
	}
}

func (m *Metrics) SetCircuitState(resource string, state int) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(resource).Set(float64(state))
}

func (m *Metrics) IncCircuitTransition(resource, from, to string) {
	if m == nil {
		return
	}
	m.CircuitTransitions.WithLabelValues(resource, from, to).Inc()
}

func (m *Metrics) IncCircuitRejection(resource string) {
	if m == nil {
		return
	}
	m.CircuitRejections.WithLabelValues(resource).Inc()
}

func (m *Metrics) IncCacheLookup(result, tier string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result, tier).Inc()
}

func (m *Metrics) IncCacheStoreError() {
	if m == nil {
		return
	}
	m.CacheStoreErrors.Inc()
}

func (m *Metrics) SetAdmissionInFlight(resource string, n int) {
	if m == nil {
		return
	}
	m.AdmissionInFlight.WithLabelValues(resource).Set(float64(n))
}

func (m *Metrics) SetAdmissionQueueDepth(resource string, n int) {
	if m == nil {
		return
	}
	m.AdmissionQueueDepth.WithLabelValues(resource).Set(float64(n))
}

func (m *Metrics) IncAdmissionRejection(resource, reason string) {
	if m == nil {
		return
	}
	m.AdmissionRejections.WithLabelValues(resource, reason).Inc()
}

func (m *Metrics) ObservePipelineDuration(resource, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.PipelineDuration.WithLabelValues(resource, outcome).Observe(d.Seconds())
}
