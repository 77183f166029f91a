// Package metrics holds the Prometheus instruments for ingestion runs and the
// snapshot cache.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Run results.
const (
	ResultSuccess = "success"
	ResultPartial = "partial"
	ResultFatal   = "fatal"
)

// Cache outcomes.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
)

// Registry holds every derivflow metric. A nil *Registry is valid and records nothing.
type Registry struct {
	RunsTotal      *prometheus.CounterVec
	RunDuration    prometheus.Histogram
	TaskFailures   *prometheus.CounterVec
	RecordsWritten *prometheus.CounterVec
	LastSuccess    prometheus.Gauge
	SnapshotCache  *prometheus.CounterVec
	CacheHitRatio  prometheus.Gauge

	registry *prometheus.Registry
}

// New registers the metrics on reg, or on a fresh registry when reg is nil.
func New(reg *prometheus.Registry) *Registry {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Registry{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "derivflow_ingest_runs_total",
				Help: "Ingestion runs by result",
			},
			[]string{"result"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "derivflow_ingest_run_duration_seconds",
				Help:    "Wall time of one ingestion run",
				Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
			},
		),
		TaskFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "derivflow_ingest_task_failures_total",
				Help: "Fetch tasks that failed and contributed no records",
			},
			[]string{"source"},
		),
		RecordsWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "derivflow_ingest_records_written_total",
				Help: "Records upserted by exchange",
			},
			[]string{"exchange"},
		),
		LastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "derivflow_ingest_last_success_timestamp_seconds",
				Help: "Unix time of the last run that completed without a fatal error",
			},
		),
		SnapshotCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "derivflow_snapshot_cache_total",
				Help: "Snapshot cache lookups by result",
			},
			[]string{"result"},
		),
		CacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "derivflow_snapshot_cache_hit_ratio",
				Help: "Snapshot cache hits over hits plus misses",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.TaskFailures,
		m.RecordsWritten,
		m.LastSuccess,
		m.SnapshotCache,
		m.CacheHitRatio,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Registry) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRun records one finished run.
func (m *Registry) ObserveRun(result string, took time.Duration, finished time.Time) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(result).Inc()
	m.RunDuration.Observe(took.Seconds())
	if result != ResultFatal {
		m.LastSuccess.Set(float64(finished.Unix()))
	}
}

// TaskFailed counts a failed fetch task for source.
func (m *Registry) TaskFailed(source string) {
	if m == nil {
		return
	}
	m.TaskFailures.WithLabelValues(source).Inc()
}

// Written adds n upserted records for exchange.
func (m *Registry) Written(exchange string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordsWritten.WithLabelValues(exchange).Add(float64(n))
}

// Cache records a snapshot cache lookup outcome.
func (m *Registry) Cache(result string) {
	if m == nil {
		return
	}
	m.SnapshotCache.WithLabelValues(result).Inc()
	if result == CacheHit || result == CacheMiss {
		m.updateCacheHitRatio()
	}
}

func (m *Registry) updateCacheHitRatio() {
	hits := counterValue(m.SnapshotCache, CacheHit)
	misses := counterValue(m.SnapshotCache, CacheMiss)
	if total := hits + misses; total > 0 {
		m.CacheHitRatio.Set(hits / total)
	}
}

func counterValue(vec *prometheus.CounterVec, label string) float64 {
	c, err := vec.GetMetricWithLabelValues(label)
	if err != nil {
		return 0
	}
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		return 0
	}
	return out.GetCounter().GetValue()
}
