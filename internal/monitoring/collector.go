package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GigaElk/worrybox-sub002/internal/jobs"
)

// Collector mirrors engine signals into a Prometheus registry for
// external scraping. It carries no state of its own; the engine remains
// the source of truth.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	alertsRaised   *prometheus.CounterVec
	alertsResolved prometheus.Counter

	heapUsedMB    prometheus.Gauge
	memFraction   prometheus.Gauge
	cpuPercent    prometheus.Gauge
	healthGrade   prometheus.Gauge
	failingJobs   prometheus.Gauge
	jobsOverall   prometheus.Gauge
	snapshotTotal prometheus.Counter
}

// NewCollector creates a collector with its own registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "worrybox"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of recorded request outcomes.",
		},
		[]string{"route", "status"},
	)

	c.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of recorded requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"route"},
	)

	c.alertsRaised = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "raised_total",
			Help:      "Total number of alerts raised.",
		},
		[]string{"severity", "category"},
	)

	c.alertsResolved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "resolved_total",
			Help:      "Total number of alerts auto-resolved.",
		},
	)

	c.heapUsedMB = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heap_used_mb",
			Help:      "Heap usage at the latest snapshot.",
		},
	)

	c.memFraction = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_used_fraction",
			Help:      "Heap usage as a fraction of the memory budget.",
		},
	)

	c.cpuPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cpu_percent",
			Help:      "Estimated process CPU usage.",
		},
	)

	c.healthGrade = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_grade",
			Help:      "Derived health at the latest snapshot (0=healthy, 1=degraded, 2=unhealthy).",
		},
	)

	c.failingJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "failing",
			Help:      "Number of background jobs in the error state.",
		},
	)

	c.jobsOverall = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "overall_status",
			Help:      "Aggregate job health (0=pass, 1=warn, 2=fail).",
		},
	)

	c.snapshotTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Total number of collected snapshots.",
		},
	)

	c.registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.alertsRaised,
		c.alertsResolved,
		c.heapUsedMB,
		c.memFraction,
		c.cpuPercent,
		c.healthGrade,
		c.failingJobs,
		c.jobsOverall,
		c.snapshotTotal,
		prometheus.NewGoCollector(),
	)

	return c
}

// Registry returns the Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler exposing the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordRequest mirrors one request outcome.
func (c *Collector) RecordRequest(route string, statusCode int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	c.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordAlertRaised mirrors an alert creation.
func (c *Collector) RecordAlertRaised(severity Severity, category Category) {
	c.alertsRaised.WithLabelValues(string(severity), string(category)).Inc()
}

// RecordAlertResolved mirrors an alert auto-resolution.
func (c *Collector) RecordAlertResolved() {
	c.alertsResolved.Inc()
}

// RecordSnapshot mirrors the latest snapshot's gauges.
func (c *Collector) RecordSnapshot(snap Snapshot) {
	c.heapUsedMB.Set(snap.Memory.HeapUsedMB)
	c.memFraction.Set(snap.Memory.UsedFraction())
	c.cpuPercent.Set(snap.CPUPercent)
	c.failingJobs.Set(float64(snap.FailingJobs))
	c.snapshotTotal.Inc()

	switch snap.Health {
	case HealthHealthy:
		c.healthGrade.Set(0)
	case HealthDegraded:
		c.healthGrade.Set(1)
	default:
		c.healthGrade.Set(2)
	}

	switch snap.Jobs {
	case jobs.OverallPass:
		c.jobsOverall.Set(0)
	case jobs.OverallWarn:
		c.jobsOverall.Set(1)
	default:
		c.jobsOverall.Set(2)
	}
}
