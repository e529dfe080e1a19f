// Package metrics exposes Prometheus instrumentation for the scheduler
// loop, stage executions, and crawl passes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors published on the metrics endpoint.
type Metrics struct {
	registry *prometheus.Registry

	StageRuns       *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	RunsInFlight    *prometheus.GaugeVec
	Cycles          prometheus.Counter
	ReclaimedLeases prometheus.Counter
	HealedRuns      prometheus.Counter
	CrawlInterviews prometheus.Counter
}

// New builds a metrics set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		StageRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avqc_stage_runs_total",
			Help: "Stage executions by stage and resulting status.",
		}, []string{"stage", "status"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "avqc_stage_duration_seconds",
			Help:    "Wall-clock duration of stage executions.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"stage"}),
		RunsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "avqc_runs_in_flight",
			Help: "Claimed or running stage runs by stage.",
		}, []string{"stage"}),
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avqc_scheduler_cycles_total",
			Help: "Completed scheduler cycles.",
		}),
		ReclaimedLeases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avqc_reclaimed_leases_total",
			Help: "Expired leases reclaimed by the sweep.",
		}),
		HealedRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avqc_healed_runs_total",
			Help: "Permanently failed runs reopened by the self-heal pass.",
		}),
		CrawlInterviews: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avqc_crawl_interviews_total",
			Help: "Interviews discovered by crawl passes.",
		}),
	}

	registry.MustRegister(
		m.StageRuns,
		m.StageDuration,
		m.RunsInFlight,
		m.Cycles,
		m.ReclaimedLeases,
		m.HealedRuns,
		m.CrawlInterviews,
	)
	return m
}

// ObserveStage records one finished stage execution.
func (m *Metrics) ObserveStage(stage, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StageRuns.WithLabelValues(stage, status).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
