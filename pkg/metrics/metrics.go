// Package metrics exposes the Prometheus gauges and counters each Cobalt
// component registers on its /metrics endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QM metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cobalt_jobs_total",
			Help: "Total number of jobs by state",
		},
		[]string{"state"},
	)

	QueuesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cobalt_queues_total",
			Help: "Total number of queues by state",
		},
		[]string{"state"},
	)

	// SM metrics
	PartitionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cobalt_partitions_total",
			Help: "Total number of partitions by state",
		},
		[]string{"state"},
	)

	ProcessGroupsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cobalt_process_groups_total",
			Help: "Total number of live process groups",
		},
	)

	// SCH metrics
	ReservationsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cobalt_reservations_total",
			Help: "Total number of active reservations",
		},
	)

	PlacementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cobalt_placements_total",
			Help: "Total number of job placements emitted, by policy",
		},
		[]string{"policy"},
	)

	ScheduleCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cobalt_schedule_cycle_duration_seconds",
			Help:    "Duration of one scheduler tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RPC substrate metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cobalt_rpc_requests_total",
			Help: "Total number of exposed-method RPC requests, by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cobalt_rpc_request_duration_seconds",
			Help:    "Duration of exposed-method RPC dispatch",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsTotal, QueuesTotal,
		PartitionsTotal, ProcessGroupsTotal,
		ReservationsTotal, PlacementsTotal, ScheduleCycleDuration,
		RPCRequestsTotal, RPCRequestDuration,
	)
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall time for a histogram observation.
type Timer struct{ start time.Time }

// NewTimer starts a timer.
func NewTimer() *Timer { return &Timer{start: time.Now()} }

// ObserveDuration records the elapsed time on the given histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time on the given histogram vec.
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
