// Package metrics provides the Prometheus instruments of the map server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PipelineRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "farmmap_pipeline_runs_total",
		Help: "Total cluster pipeline runs applied to a marker layer",
	})
	PipelineDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "farmmap_pipeline_discarded_total",
		Help: "Total pipeline runs discarded because a newer viewport arrived",
	})
	PipelinePanics = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "farmmap_pipeline_panics_total",
		Help: "Total panics recovered at the pipeline boundary",
	})
	PipelineDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "farmmap_pipeline_duration_ms",
		Help:    "Cluster compute and reconcile duration in milliseconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 50, 100},
	})
	MarkerOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "farmmap_marker_ops_total",
		Help: "Marker operations applied to backends",
	}, []string{"op"})
	IndexRebuilds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "farmmap_index_rebuilds_total",
		Help: "Total spatial index rebuilds",
	})
	IndexedFarms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "farmmap_indexed_farms",
		Help: "Farms in the current spatial index",
	})
	DatasetRefreshFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "farmmap_dataset_refresh_failures_total",
		Help: "Dataset refresh failures by source",
	}, []string{"source"})
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "farmmap_active_sessions",
		Help: "Map sessions currently held by the server",
	})
	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "farmmap_cache_hits_total",
		Help: "Cache hits by cache",
	}, []string{"cache"})
	CacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "farmmap_cache_misses_total",
		Help: "Cache misses by cache",
	}, []string{"cache"})
)

func init() {
	prometheus.MustRegister(PipelineRuns)
	prometheus.MustRegister(PipelineDiscarded)
	prometheus.MustRegister(PipelinePanics)
	prometheus.MustRegister(PipelineDurationMs)
	prometheus.MustRegister(MarkerOps)
	prometheus.MustRegister(IndexRebuilds)
	prometheus.MustRegister(IndexedFarms)
	prometheus.MustRegister(DatasetRefreshFailures)
	prometheus.MustRegister(ActiveSessions)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
}

// Handler serves the registered metrics.
func Handler() http.Handler { return promhttp.Handler() }
