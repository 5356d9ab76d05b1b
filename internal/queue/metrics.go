package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dunamismax/genflow/internal/domain"
)

type Metrics struct {
	jobs          *prometheus.GaugeVec
	outcomes      *prometheus.CounterVec
	driveDuration prometheus.Histogram
	persistErrors *prometheus.CounterVec
}

// NewMetrics builds the queue collectors and registers them with reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "genflow_queue_jobs",
			Help: "Jobs currently in the queue by status.",
		}, []string{"status"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genflow_queue_outcomes_total",
			Help: "Terminal job outcomes by status and failure reason.",
		}, []string{"status", "reason"}),
		driveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "genflow_queue_drive_duration_seconds",
			Help:    "Time from uploading to a terminal status for one drive pass.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}),
		persistErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genflow_queue_persist_errors_total",
			Help: "Failed mirror writes by backend and operation.",
		}, []string{"backend", "op"}),
	}
	if reg != nil {
		reg.MustRegister(m.jobs, m.outcomes, m.driveDuration, m.persistErrors)
	}
	return m
}

func (m *Metrics) observeStats(s domain.Stats) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(string(domain.JobStatusPending)).Set(float64(s.Pending))
	m.jobs.WithLabelValues(string(domain.JobStatusUploading)).Set(float64(s.Uploading))
	m.jobs.WithLabelValues(string(domain.JobStatusProcessing)).Set(float64(s.Processing))
	m.jobs.WithLabelValues(string(domain.JobStatusCompleted)).Set(float64(s.Completed))
	m.jobs.WithLabelValues(string(domain.JobStatusFailed)).Set(float64(s.Failed))
}

func (m *Metrics) observeOutcome(job domain.Job, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(job.Status), job.ErrorReason).Inc()
	m.driveDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) observePersistError(backend, op string) {
	if m == nil {
		return
	}
	m.persistErrors.WithLabelValues(backend, op).Inc()
}
