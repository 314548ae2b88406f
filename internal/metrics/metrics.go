package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for store traffic, deliveries, job
// runs and outreach ticks. A nil *Metrics is valid and records nothing.
type Metrics struct {
	storeRequests *prometheus.CounterVec
	storeRetries  prometheus.Counter
	deliveries    *prometheus.CounterVec
	jobRuns       *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	outreach      *prometheus.CounterVec
}

// MustNew constructs Metrics registered on reg. Registration errors panic,
// so tests should pass a fresh prometheus.NewRegistry().
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		storeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nudge",
			Subsystem: "store",
			Name:      "requests_total",
			Help:      "Remote store requests by final outcome.",
		}, []string{"outcome"}),
		storeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nudge",
			Subsystem: "store",
			Name:      "retries_total",
			Help:      "Remote store attempts that were retried after a transient failure.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nudge",
			Subsystem: "messenger",
			Name:      "deliveries_total",
			Help:      "Outbound messages by kind and status.",
		}, []string{"kind", "status"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nudge",
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Scheduled job invocations by job and status.",
		}, []string{"job", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nudge",
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Wall time of scheduled job invocations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		outreach: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nudge",
			Subsystem: "activity",
			Name:      "ticks_total",
			Help:      "Inactivity monitor ticks by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.storeRequests, m.storeRetries, m.deliveries, m.jobRuns, m.jobDuration, m.outreach)
	return m
}

func (m *Metrics) StoreRequest(outcome string) {
	if m == nil {
		return
	}
	m.storeRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StoreRetry() {
	if m == nil {
		return
	}
	m.storeRetries.Inc()
}

func (m *Metrics) Delivery(kind, status string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) JobRun(job, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, status).Inc()
	m.jobDuration.WithLabelValues(job).Observe(took.Seconds())
}

func (m *Metrics) OutreachTick(outcome string) {
	if m == nil {
		return
	}
	m.outreach.WithLabelValues(outcome).Inc()
}
