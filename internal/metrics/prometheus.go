package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geoquery_request_duration_seconds",
			Help:    "Request processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"request_type"},
	)

	RequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoquery_request_total",
			Help: "Total number of requests processed",
		},
		[]string{"status"},
	)

	OracleCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoquery_oracle_calls_total",
			Help: "Total oracle inference calls",
		},
		[]string{"shape", "status"},
	)

	OracleLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geoquery_oracle_latency_seconds",
			Help:    "Oracle inference latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"shape"},
	)

	PlanSteps = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "geoquery_plan_steps",
			Help:    "Number of steps per executed plan",
			Buckets: []float64{1, 2, 3, 4, 5, 7, 10},
		},
	)

	PlanStepsCollapsed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "geoquery_plan_steps_collapsed_total",
			Help: "Total plan steps removed by adjacency collapse",
		},
	)

	AggregationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoquery_aggregation_total",
			Help: "Total aggregation requests by function",
		},
		[]string{"function"},
	)

	StoreSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "geoquery_store_results",
			Help: "Number of results currently held in the result store",
		},
	)

	StoreEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "geoquery_store_evictions_total",
			Help: "Total results evicted from the result store",
		},
	)

	StoreReuseHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "geoquery_store_reuse_hits_total",
			Help: "Total plan steps satisfied from the result store",
		},
	)

	AdapterAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geoquery_adapter_attempts",
			Help:    "Query synthesis attempts per adapter fetch",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
		[]string{"source"},
	)

	AdapterFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoquery_adapter_failures_total",
			Help: "Total adapter fetch failures",
		},
		[]string{"source", "kind"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoquery_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoquery_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	StatsJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoquery_stats_jobs_total",
			Help: "Total statistics jobs submitted",
		},
		[]string{"endpoint", "status"},
	)

	StatsJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geoquery_stats_job_duration_seconds",
			Help:    "Statistics job duration in seconds",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120},
		},
		[]string{"endpoint"},
	)

	DatasetSearches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "geoquery_dataset_searches_total",
			Help: "Total dataset search requests",
		},
	)

	ConceptsIndexed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "geoquery_concepts_indexed_total",
			Help: "Total concepts in the vector index",
		},
	)
)

func Init() {
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(RequestTotal)
	prometheus.MustRegister(OracleCalls)
	prometheus.MustRegister(OracleLatency)
	prometheus.MustRegister(PlanSteps)
	prometheus.MustRegister(PlanStepsCollapsed)
	prometheus.MustRegister(AggregationTotal)
	prometheus.MustRegister(StoreSize)
	prometheus.MustRegister(StoreEvictions)
	prometheus.MustRegister(StoreReuseHits)
	prometheus.MustRegister(AdapterAttempts)
	prometheus.MustRegister(AdapterFailures)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(StatsJobs)
	prometheus.MustRegister(StatsJobDuration)
	prometheus.MustRegister(DatasetSearches)
	prometheus.MustRegister(ConceptsIndexed)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
