package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rendis/enact/internal/activity"
)

// Metrics exposes dispatch counters to Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	invocations      *prometheus.CounterVec
	inflight         prometheus.Gauge
	retries          *prometheus.CounterVec
	failovers        *prometheus.CounterVec
	failures         *prometheus.CounterVec
	cancelled        prometheus.Counter
	buffered         prometheus.Counter
	provenanceFaults prometheus.Counter
}

// NewMetrics registers the dispatch metrics with reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		invocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enact",
			Subsystem: "dispatch",
			Name:      "invocations_total",
			Help:      "Activity invocations started by invoke layers, by outcome",
		}, []string{"activity", "outcome"}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "enact",
			Subsystem: "dispatch",
			Name:      "invocations_inflight",
			Help:      "Activity invocations currently running",
		}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enact",
			Subsystem: "dispatch",
			Name:      "retries_scheduled_total",
			Help:      "Retries scheduled by retry layers",
		}, []string{"processor"}),
		failovers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enact",
			Subsystem: "dispatch",
			Name:      "failover_advances_total",
			Help:      "Times a failover layer moved to the next candidate activity",
		}, []string{"processor"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enact",
			Subsystem: "dispatch",
			Name:      "failures_propagated_total",
			Help:      "Failures sent out of the top of a stack, by classification",
		}, []string{"class"}),
		cancelled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "enact",
			Subsystem: "dispatch",
			Name:      "jobs_cancelled_total",
			Help:      "Jobs dropped because their run was cancelled",
		}),
		buffered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "enact",
			Subsystem: "dispatch",
			Name:      "jobs_paused_total",
			Help:      "Jobs held back because their run was paused",
		}),
		provenanceFaults: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "enact",
			Subsystem: "dispatch",
			Name:      "provenance_faults_total",
			Help:      "Provenance sink errors and iteration lookup faults",
		}),
	}
}

func (m *Metrics) invocationStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *Metrics) invocationFinished(activityName, outcome string) {
	if m == nil {
		return
	}
	m.inflight.Dec()
	m.invocations.WithLabelValues(activityName, outcome).Inc()
}

func (m *Metrics) retryScheduled(processor string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(processor).Inc()
}

func (m *Metrics) failoverAdvanced(processor string) {
	if m == nil {
		return
	}
	m.failovers.WithLabelValues(processor).Inc()
}

func (m *Metrics) failure(class activity.Classification) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(string(class)).Inc()
}

func (m *Metrics) jobCancelled() {
	if m == nil {
		return
	}
	m.cancelled.Inc()
}

func (m *Metrics) jobBuffered() {
	if m == nil {
		return
	}
	m.buffered.Inc()
}

func (m *Metrics) provenanceFault() {
	if m == nil {
		return
	}
	m.provenanceFaults.Inc()
}
