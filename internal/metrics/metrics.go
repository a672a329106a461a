// Package metrics collects and exposes the supervisor's Prometheus
// metrics: routing and dispatch counters, job duration, fleet readiness,
// and worker saturation.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the supervisor's metric set. Each collector carries its
// own registry so independent supervisors (and tests) never collide on
// registration.
type Collector struct {
	registry *prometheus.Registry

	jobsRouted     prometheus.Counter
	jobsDispatched prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsDeduped    prometheus.Counter
	blackoutDenied prometheus.Counter

	jobDuration       prometheus.Histogram
	bootstrapDuration prometheus.Gauge

	fleetReady      prometheus.Gauge
	workersInFlight prometheus.Gauge
}

// NewCollector builds and registers the metric set.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flotilla_jobs_routed_total",
			Help: "Total payloads accepted by the router",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flotilla_jobs_dispatched_total",
			Help: "Total job workers spawned (one per matched agent)",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flotilla_jobs_completed_total",
			Help: "Total job workers finishing with success",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flotilla_jobs_failed_total",
			Help: "Total job workers finishing with a failed result",
		}),
		jobsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flotilla_jobs_deduped_total",
			Help: "Total jobs dropped by an agent's dedup window",
		}),
		blackoutDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flotilla_blackout_rejections_total",
			Help: "Total functions refused while blackout was active",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flotilla_job_duration_seconds",
			Help:    "Job worker wall time in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		bootstrapDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flotilla_bootstrap_duration_seconds",
			Help: "Wall time of the most recent fleet bootstrap",
		}),
		fleetReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flotilla_fleet_ready",
			Help: "Sub-minions currently in the ready state",
		}),
		workersInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flotilla_workers_in_flight",
			Help: "Job workers currently running",
		}),
	}

	c.registry.MustRegister(
		c.jobsRouted, c.jobsDispatched, c.jobsCompleted, c.jobsFailed,
		c.jobsDeduped, c.blackoutDenied, c.jobDuration,
		c.bootstrapDuration, c.fleetReady, c.workersInFlight,
	)
	return c
}

func (c *Collector) RecordRouted()   { c.jobsRouted.Inc() }
func (c *Collector) RecordDispatch() { c.jobsDispatched.Inc() }
func (c *Collector) RecordDeduped()  { c.jobsDeduped.Inc() }
func (c *Collector) RecordBlackout() { c.blackoutDenied.Inc() }

// RecordCompleted records one finished worker with its wall time.
func (c *Collector) RecordCompleted(success bool, seconds float64) {
	if success {
		c.jobsCompleted.Inc()
	} else {
		c.jobsFailed.Inc()
	}
	c.jobDuration.Observe(seconds)
}

func (c *Collector) SetBootstrapDuration(seconds float64) {
	c.bootstrapDuration.Set(seconds)
}

func (c *Collector) SetFleetReady(n int) {
	c.fleetReady.Set(float64(n))
}

func (c *Collector) SetWorkersInFlight(n int) {
	c.workersInFlight.Set(float64(n))
}

// Handler exposes this collector's registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on the given port. Blocks; callers run it on
// its own goroutine.
func (c *Collector) StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
