package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gitpulse/ingest-gateway/internal/gateway/breaker"
)

const MetricPrefix = "gitpulse_ingest_"

// AdmissionPool is the view of the admission controller the collectors need.
type AdmissionPool interface {
	InFlight() int
	QueueDepth() int
}

// Metrics holds the gateway's prometheus collectors. Instances register on an
// explicit Registerer so tests can use an isolated registry.
type Metrics struct {
	submissions    *prometheus.CounterVec
	duplicates     *prometheus.CounterVec
	rejections     *prometheus.CounterVec
	submitDuration *prometheus.HistogramVec
	breakerPhase   prometheus.Gauge
}

func New(reg prometheus.Registerer, pool AdmissionPool) *Metrics {
	m := &Metrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "submissions_total",
			Help: "Submissions handled by the gateway, by outcome and backend.",
		}, []string{"outcome", "processor"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "duplicates_total",
			Help: "Submissions deduplicated by the idempotency store.",
		}, []string{"kind"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "rejections_total",
			Help: "Submissions rejected before reaching a backend, by reason.",
		}, []string{"reason"}),
		submitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricPrefix + "downstream_seconds",
			Help:    "Latency of downstream submissions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"processor"}),
		breakerPhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricPrefix + "breaker_phase",
			Help: "Circuit breaker phase: 0 closed, 1 open, 2 half-open.",
		}),
	}
	reg.MustRegister(m.submissions, m.duplicates, m.rejections, m.submitDuration, m.breakerPhase)

	if pool != nil {
		inFlight := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: MetricPrefix + "in_flight",
			Help: "Downstream submissions currently in flight.",
		}, func() float64 { return float64(pool.InFlight()) })
		queueDepth := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: MetricPrefix + "queue_depth",
			Help: "Requests queued for an admission permit.",
		}, func() float64 { return float64(pool.QueueDepth()) })
		reg.MustRegister(inFlight, queueDepth)
	}
	return m
}

func (m *Metrics) RecordSubmission(outcome, processor string, elapsed time.Duration) {
	m.submissions.WithLabelValues(outcome, processor).Inc()
	if processor != "" {
		m.submitDuration.WithLabelValues(processor).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) RecordDuplicate(cached bool) {
	kind := "in-flight"
	if cached {
		kind = "cached"
	}
	m.duplicates.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordRejection(reason string) {
	m.rejections.WithLabelValues(reason).Inc()
}

// BreakerPhaseHook returns a callback suitable for
// breaker.WithPhaseChangeHook.
func (m *Metrics) BreakerPhaseHook() func(breaker.Phase) {
	return func(phase breaker.Phase) {
		m.breakerPhase.Set(float64(phase))
	}
}
