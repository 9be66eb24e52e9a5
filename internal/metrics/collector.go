// Package metrics exposes the orchestrator's runtime state as Prometheus
// metrics: job lifecycle counters, queue depth, GPU occupancy, and loop
// timing histograms.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns every metric this replica exports.
type Collector struct {
	registry *prometheus.Registry

	JobsSubmittedTotal  prometheus.Counter
	JobsCompletedTotal  prometheus.Counter
	JobsFailedTotal     *prometheus.CounterVec // labeled by error_kind
	JobsCancelledTotal  prometheus.Counter
	JobsRequeuedTotal   prometheus.Counter
	JobsLostTotal       prometheus.Counter

	QueueDepth      prometheus.Gauge
	JobsByStatus    *prometheus.GaugeVec // labeled by status
	GPUSlotsTotal   prometheus.Gauge
	GPUSlotsInUse   prometheus.Gauge

	DispatchCycleDuration  prometheus.Histogram
	ReconcileCycleDuration prometheus.Histogram
	JobDuration            prometheus.Histogram
}

// New registers and returns the collector's full metric set under the
// videoforge namespace.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		JobsSubmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "videoforge", Name: "jobs_submitted_total",
			Help: "Total jobs accepted by the submission endpoint.",
		}),
		JobsCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "videoforge", Name: "jobs_completed_total",
			Help: "Total jobs that reached the completed state.",
		}),
		JobsFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "videoforge", Name: "jobs_failed_total",
			Help: "Total jobs that reached the failed state, by error kind.",
		}, []string{"error_kind"}),
		JobsCancelledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "videoforge", Name: "jobs_cancelled_total",
			Help: "Total jobs that reached the cancelled state.",
		}),
		JobsRequeuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "videoforge", Name: "jobs_requeued_total",
			Help: "Total lease-expiry requeues performed by the reconciler.",
		}),
		JobsLostTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "videoforge", Name: "jobs_lost_total",
			Help: "Total jobs marked failed after exhausting their retry budget.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "videoforge", Name: "queue_depth",
			Help: "Current number of jobs waiting in the pending queue.",
		}),
		JobsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "videoforge", Name: "jobs_by_status",
			Help: "Current job count per lifecycle status.",
		}, []string{"status"}),
		GPUSlotsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "videoforge", Name: "gpu_slots_total",
			Help: "Total GPU slots configured on this replica.",
		}),
		GPUSlotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "videoforge", Name: "gpu_slots_in_use",
			Help: "GPU slots currently allocated to a running job.",
		}),
		DispatchCycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "videoforge", Name: "dispatch_cycle_duration_seconds",
			Help:    "Time spent in one dispatcher claim-and-launch cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		ReconcileCycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "videoforge", Name: "reconcile_cycle_duration_seconds",
			Help:    "Time spent in one reconciler sweep.",
			Buckets: prometheus.DefBuckets,
		}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "videoforge", Name: "job_duration_seconds",
			Help:    "Wall-clock time from job start to terminal state.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
	}

	reg.MustRegister(
		c.JobsSubmittedTotal, c.JobsCompletedTotal, c.JobsFailedTotal,
		c.JobsCancelledTotal, c.JobsRequeuedTotal, c.JobsLostTotal,
		c.QueueDepth, c.JobsByStatus, c.GPUSlotsTotal, c.GPUSlotsInUse,
		c.DispatchCycleDuration, c.ReconcileCycleDuration, c.JobDuration,
	)
	return c
}

// Handler returns the HTTP handler the server binary mounts at /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
