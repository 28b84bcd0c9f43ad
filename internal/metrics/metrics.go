// Package metrics exposes Prometheus counters/gauges/histograms for the
// worker loop, adapted from the teacher's metrics.Collector: the same
// register-everything-at-construction pattern, applied to scheduling and
// routing events instead of queue-dispatch events.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric one worker exposes on /metrics.
type Collector struct {
	requestsBounced  prometheus.Counter
	requestsAdopted  prometheus.Counter
	requestsRejected prometheus.Counter
	oneshotRejected  prometheus.Counter

	hopCount          prometheus.Histogram
	balancingLatency  prometheus.Histogram

	activeJobs    prometheus.Gauge
	suspendedJobs prometheus.Gauge
	queueDepth    prometheus.Gauge
}

// NewCollector builds and registers every metric against the default
// Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		requestsBounced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mallob_requests_bounced_total",
			Help: "Total number of job requests bounced to another rank",
		}),
		requestsAdopted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mallob_requests_adopted_total",
			Help: "Total number of job requests adopted by this worker",
		}),
		requestsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mallob_requests_rejected_total",
			Help: "Total number of job requests rejected outright",
		}),
		oneshotRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mallob_oneshot_rejected_total",
			Help: "Total number of targeted rejoin requests rejected",
		}),
		hopCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mallob_request_hop_count",
			Help:    "Number of hops a job request took before adoption or collective assignment",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512},
		}),
		balancingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mallob_balancing_latency_seconds",
			Help:    "Latency between a balancing decision and its local application",
			Buckets: prometheus.DefBuckets,
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mallob_active_jobs",
			Help: "Current number of jobs this worker is actively processing",
		}),
		suspendedJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mallob_suspended_jobs",
			Help: "Current number of jobs suspended on this worker",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mallob_queue_outstanding_sends",
			Help: "Current number of outstanding message queue sends",
		}),
	}

	prometheus.MustRegister(
		c.requestsBounced, c.requestsAdopted, c.requestsRejected, c.oneshotRejected,
		c.hopCount, c.balancingLatency,
		c.activeJobs, c.suspendedJobs, c.queueDepth,
	)

	return c
}

func (c *Collector) RecordBounced(hops int32) {
	c.requestsBounced.Inc()
	c.hopCount.Observe(float64(hops))
}

func (c *Collector) RecordAdopted(hops int32) {
	c.requestsAdopted.Inc()
	c.hopCount.Observe(float64(hops))
}

func (c *Collector) RecordRejected() {
	c.requestsRejected.Inc()
}

func (c *Collector) RecordOneshotRejected() {
	c.oneshotRejected.Inc()
}

func (c *Collector) ObserveBalancingLatency(seconds float64) {
	c.balancingLatency.Observe(seconds)
}

func (c *Collector) SetActiveJobs(n int) {
	c.activeJobs.Set(float64(n))
}

func (c *Collector) SetSuspendedJobs(n int) {
	c.suspendedJobs.Set(float64(n))
}

func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// StartServer serves /metrics on port until the process exits or the HTTP
// server errors.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
