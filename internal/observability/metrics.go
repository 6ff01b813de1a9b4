package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "citypage_fetcher"

// Metrics holds the Prometheus counters, histograms, and gauges for the fetcher.
type Metrics struct {
	// Cycle metrics. Label cycle={stations,observations}.
	CycleRuns     *prometheus.CounterVec   // labels: cycle, outcome={completed,cancelled}
	CycleDuration *prometheus.HistogramVec // labels: cycle
	CycleRunning  *prometheus.GaugeVec     // labels: cycle
	LastCycleTime *prometheus.GaugeVec     // labels: cycle

	// Remote feed metrics.
	FetchTargets  *prometheus.CounterVec // labels: outcome={success,skipped,failed,cancelled}
	FetchAttempts *prometheus.CounterVec // labels: result={ok,transient,permanent}
	FetchDuration prometheus.Histogram
	BreakerOpen   prometheus.Gauge

	// Persistence metrics. Label kind={station,observation,warning,forecast}.
	RecordsUpserted     *prometheus.CounterVec // labels: kind
	ParseFailures       *prometheus.CounterVec // labels: kind, reason
	FieldsCleared       *prometheus.CounterVec // labels: kind, field
	WriteFailures       *prometheus.CounterVec // labels: kind
	StationsDeactivated prometheus.Counter
	WarningsDeactivated prometheus.Counter

	// Change feed metrics.
	RecordsPublished prometheus.Counter
	PublishFailures  prometheus.Counter

	// Geocoding metrics.
	GeocodeRequests    *prometheus.CounterVec   // labels: method={forward}, outcome={success,error,empty}
	GeocodeCache       *prometheus.CounterVec   // labels: method={forward}, result={hit,miss}
	GeocodeAPIDuration *prometheus.HistogramVec // labels: method={forward}
	GeocodeEnabled     prometheus.Gauge
}

// NewMetrics creates and registers all fetcher metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		CycleRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_runs_total",
			Help:      "Completed ingestion cycles by kind and outcome.",
		}, []string{"cycle", "outcome"}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one ingestion cycle.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"cycle"}),
		CycleRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cycle_running",
			Help:      "1 while a cycle of the given kind is in progress.",
		}, []string{"cycle"}),
		LastCycleTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time at which the last cycle of the given kind finished.",
		}, []string{"cycle"}),
		FetchTargets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_targets_total",
			Help:      "Fetch targets by final outcome.",
		}, []string{"outcome"}),
		FetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Individual HTTP attempts against the feed by result.",
		}, []string{"result"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of one logical feed retrieval including retries.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		BreakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_breaker_open",
			Help:      "1 while the feed circuit breaker is open.",
		}),
		RecordsUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_upserted_total",
			Help:      "Records written to the store by entity kind.",
		}, []string{"kind"}),
		ParseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_failures_total",
			Help:      "Records rejected during normalization by entity kind and reason.",
		}, []string{"kind", "reason"}),
		FieldsCleared: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fields_cleared_total",
			Help:      "Optional values dropped from kept records for failing range checks.",
		}, []string{"kind", "field"}),
		WriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_failures_total",
			Help:      "Records that could not be written after retry.",
		}, []string{"kind"}),
		StationsDeactivated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stations_deactivated_total",
			Help:      "Stations flagged inactive because they left the directory.",
		}),
		WarningsDeactivated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warnings_deactivated_total",
			Help:      "Warnings flagged inactive because they disappeared upstream or expired.",
		}),
		RecordsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_published_total",
			Help:      "Records published to the change feed topic.",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Change feed batches that failed to publish.",
		}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_requests_total",
			Help:      "Geocoding API requests by method and outcome.",
		}, []string{"method", "outcome"}),
		GeocodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_cache_total",
			Help:      "Geocoding cache lookups by method and result.",
		}, []string{"method", "result"}),
		GeocodeAPIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "geocode_api_duration_seconds",
			Help:      "Mapbox API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method"}),
		GeocodeEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "geocode_enabled",
			Help:      "1 when station geocoding is enabled, 0 otherwise.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.CycleRuns,
		m.CycleDuration,
		m.CycleRunning,
		m.LastCycleTime,
		m.FetchTargets,
		m.FetchAttempts,
		m.FetchDuration,
		m.BreakerOpen,
		m.RecordsUpserted,
		m.ParseFailures,
		m.FieldsCleared,
		m.WriteFailures,
		m.StationsDeactivated,
		m.WarningsDeactivated,
		m.RecordsPublished,
		m.PublishFailures,
		m.GeocodeRequests,
		m.GeocodeCache,
		m.GeocodeAPIDuration,
		m.GeocodeEnabled,
	}
}
