// Package metrics holds the prometheus collectors of the jobs scheduler. A nil *Metrics is valid
// and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricPrefix = "jobs_scheduler_"

type Metrics struct {
	submissions  *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	deleted      prometheus.Counter
	quotaLookups *prometheus.CounterVec
	gpuCapacity  prometheus.Gauge
	jobFailures  *prometheus.CounterVec
}

func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "submissions_total",
			Help: "Job submissions by job type and outcome",
		}, []string{"type", "outcome"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "transitions_total",
			Help: "Job state transitions",
		}, []string{"from", "to"}),
		deleted: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "deleted_total",
			Help: "Jobs removed by the deletion loop",
		}),
		quotaLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "quota_lookups_total",
			Help: "Organization quota lookups by result: hit, miss, stale or error",
		}, []string{"result"}),
		gpuCapacity: factory.NewGauge(prometheus.GaugeOpts{
			Name: MetricPrefix + "gpu_capacity",
			Help: "Total GPU slots of the cluster as last observed",
		}),
		jobFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "loop_job_failures_total",
			Help: "Jobs a scheduler loop failed to process",
		}, []string{"loop"}),
	}
}

func (m *Metrics) RecordSubmission(jobType string, outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(jobType, outcome).Inc()
}

func (m *Metrics) RecordTransition(from string, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordDeletion() {
	if m == nil {
		return
	}
	m.deleted.Inc()
}

func (m *Metrics) RecordQuotaLookup(result string) {
	if m == nil {
		return
	}
	m.quotaLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) SetGpuCapacity(total int) {
	if m == nil {
		return
	}
	m.gpuCapacity.Set(float64(total))
}

func (m *Metrics) RecordJobFailure(loop string) {
	if m == nil {
		return
	}
	m.jobFailures.WithLabelValues(loop).Inc()
}
