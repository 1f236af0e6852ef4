package wsdb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricJobsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wsdb_jobs_open",
		Help: "The current number of connected jobs.",
	})
	metricJobsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wsdb_jobs_opened_total",
		Help: "The total number of jobs connected since start.",
	})
	metricQueries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wsdb_queries_total",
		Help: "The total number of queries run.",
	})
	metricQueryErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wsdb_query_errors_total",
		Help: "The total number of queries that failed server-side.",
	})
	metricPagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wsdb_pages_fetched_total",
		Help: "The total number of result pages received.",
	})
	metricSharedAcquires = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wsdb_pool_shared_acquires_total",
		Help: "Acquires served by sharing a busy job because the pool was at capacity.",
	})
	metricJobsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wsdb_pool_jobs_reaped_total",
		Help: "Idle jobs closed by the pool reaper.",
	})
	metricCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wsdb_ssl_cache_hits_total",
		Help: "TLS context cache hits.",
	})
	metricCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wsdb_ssl_cache_misses_total",
		Help: "TLS context cache misses.",
	})
)
