// Package metrics exposes pipeline and dispatch counters to prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer: every recorder becomes a no-op.
type Metrics struct {
	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	stagedItems   *prometheus.CounterVec
	soldoutItems  *prometheus.CounterVec
	conversions   *prometheus.CounterVec
	dispatchLines *prometheus.CounterVec
	refdataLoads  *prometheus.CounterVec
}

// New registers every collector on reg (the default registerer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mallsync_pipeline_runs_total",
			Help: "Pipeline runs per supplier by result.",
		}, []string{"supplier", "result"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mallsync_pipeline_run_duration_seconds",
			Help:    "Duration of one supplier pipeline run.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"supplier"}),
		stagedItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mallsync_staged_items_total",
			Help: "Items written to staging per supplier and mode.",
		}, []string{"supplier", "mode"}),
		soldoutItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mallsync_soldout_items_total",
			Help: "Staging items marked soldout by full snapshots.",
		}, []string{"supplier"}),
		conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mallsync_conversions_total",
			Help: "Canonicalizer outcomes per supplier.",
		}, []string{"supplier", "outcome"}),
		dispatchLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mallsync_dispatch_lines_total",
			Help: "Dispatched order lines per retailer by resulting status.",
		}, []string{"retailer", "status"}),
		refdataLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mallsync_refdata_loads_total",
			Help: "Reference data reloads by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.runs, m.runDuration, m.stagedItems, m.soldoutItems, m.conversions, m.dispatchLines, m.refdataLoads)
	return m
}

func (m *Metrics) RunFinished(supplier string, took time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.runs.WithLabelValues(supplier, result).Inc()
	m.runDuration.WithLabelValues(supplier).Observe(took.Seconds())
}

func (m *Metrics) Staged(supplier, mode string, items, soldout int) {
	if m == nil {
		return
	}
	m.stagedItems.WithLabelValues(supplier, mode).Add(float64(items))
	m.soldoutItems.WithLabelValues(supplier).Add(float64(soldout))
}

func (m *Metrics) Converted(supplier string, converted, skipped, failed int) {
	if m == nil {
		return
	}
	m.conversions.WithLabelValues(supplier, "converted").Add(float64(converted))
	m.conversions.WithLabelValues(supplier, "skipped").Add(float64(skipped))
	m.conversions.WithLabelValues(supplier, "failed").Add(float64(failed))
}

func (m *Metrics) LineDispatched(retailer, status string) {
	if m == nil {
		return
	}
	m.dispatchLines.WithLabelValues(retailer, status).Inc()
}

func (m *Metrics) RefdataLoaded(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.refdataLoads.WithLabelValues(result).Inc()
}

// Handler serves the collectors of g in the prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
