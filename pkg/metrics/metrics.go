// Package metrics exposes the process's Prometheus metrics on a private
// registry: queue activity, course outcomes, runner connectivity, and live
// SSE streams.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/store"
)

// Metrics owns the registry and all instruments. It implements the queue's
// Observer interface so worker activity is recorded without the queue
// importing this package's types.
type Metrics struct {
	registry *prometheus.Registry

	queueClaims   *prometheus.CounterVec
	queueFinished *prometheus.CounterVec
	queueDuration *prometheus.HistogramVec

	coursesFinished *prometheus.CounterVec
	commisFinished  *prometheus.CounterVec

	RunnersOnline prometheus.Gauge
	SSEStreams    prometheus.Gauge
}

// New builds the metrics set and registers the queue depth collector that
// reads counts from the database on scrape.
func New(s *store.Store) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		queueClaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brigade_queue_claims_total",
			Help: "Queue entries claimed by workers.",
		}, []string{"job_id"}),
		queueFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brigade_queue_finished_total",
			Help: "Queue entries finished, by terminal status.",
		}, []string{"job_id", "status"}),
		queueDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "brigade_queue_job_duration_seconds",
			Help:    "Wall time of one queue job execution.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"job_id"}),
		coursesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brigade_courses_finished_total",
			Help: "Courses reaching a terminal or deferred status.",
		}, []string{"status"}),
		commisFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brigade_commis_jobs_finished_total",
			Help: "Commis jobs reaching a terminal status.",
		}, []string{"status"}),
		RunnersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "brigade_runners_online",
			Help: "Runners currently connected to the fleet hub.",
		}),
		SSEStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "brigade_sse_streams",
			Help: "Open SSE event streams.",
		}),
	}
	reg.MustRegister(
		m.queueClaims, m.queueFinished, m.queueDuration,
		m.coursesFinished, m.commisFinished,
		m.RunnersOnline, m.SSEStreams,
		collectors.NewGoCollector(),
		newQueueDepthCollector(s),
	)
	return m
}

// Handler returns the scrape handler for the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// JobClaimed implements queue.Observer.
func (m *Metrics) JobClaimed(jobID string) {
	m.queueClaims.WithLabelValues(jobID).Inc()
}

// JobFinished implements queue.Observer.
func (m *Metrics) JobFinished(jobID string, status models.QueueStatus, duration time.Duration) {
	m.queueFinished.WithLabelValues(jobID, string(status)).Inc()
	m.queueDuration.WithLabelValues(jobID).Observe(duration.Seconds())
}

// CourseFinished records a course outcome.
func (m *Metrics) CourseFinished(status string) {
	m.coursesFinished.WithLabelValues(status).Inc()
}

// CommisFinished records a commis job outcome.
func (m *Metrics) CommisFinished(status string) {
	m.commisFinished.WithLabelValues(status).Inc()
}

// queueDepthCollector reports live queue depth by status at scrape time.
type queueDepthCollector struct {
	store *store.Store
	desc  *prometheus.Desc
}

func newQueueDepthCollector(s *store.Store) *queueDepthCollector {
	return &queueDepthCollector{
		store: s,
		desc: prometheus.NewDesc(
			"brigade_queue_depth",
			"Queue entries by status.",
			[]string{"status"}, nil),
	}
}

func (c *queueDepthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *queueDepthCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	counts, err := c.store.CountQueueByStatus(ctx)
	if err != nil {
		return
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), string(status))
	}
}
