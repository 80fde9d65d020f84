package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedstream",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "feedstream",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	AssetCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "feedstream",
		Name:      "asset_cache_hits_total",
		Help:      "Total asset loads satisfied from the cache.",
	})

	AssetCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "feedstream",
		Name:      "asset_cache_misses_total",
		Help:      "Total asset loads that required a fresh load.",
	})

	AssetCacheSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "feedstream",
		Name:      "asset_cache_size_bytes",
		Help:      "Current total size of buffered asset prefixes in bytes.",
	})

	AssetEvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedstream",
		Name:      "asset_evictions_total",
		Help:      "Total cache evictions by reason (window, capacity, clear).",
	}, []string{"reason"})

	LoadFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "feedstream",
		Name:      "asset_load_failures_total",
		Help:      "Total asset loads that failed to establish metadata.",
	})

	ResolutionFallbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "feedstream",
		Name:      "resolution_fallbacks_total",
		Help:      "Total locator resolutions that fell back to the raw URL.",
	})

	PrefetchBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedstream",
		Name:      "prefetch_bytes_total",
		Help:      "Total staged prefetch bytes by priority tier.",
	}, []string{"priority"})

	PrefetchFallbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "feedstream",
		Name:      "prefetch_full_load_fallbacks_total",
		Help:      "Total prefetches that fell back to a full load on a non-206 response.",
	})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "feedstream",
		Name:      "active_sessions",
		Help:      "Number of player sessions currently bound to a slot.",
	})

	SessionRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "feedstream",
		Name:      "session_transient_retries_total",
		Help:      "Total automatic reloads after a transient decode error.",
	})

	SessionFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "feedstream",
		Name:      "session_fatal_failures_total",
		Help:      "Total sessions that surfaced a fatal playback error.",
	})

	FeedPagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "feedstream",
		Name:      "feed_pages_fetched_total",
		Help:      "Total catalog pages appended to the feed window.",
	})

	FeedLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "feedstream",
		Name:      "feed_known_entries",
		Help:      "Number of entries currently known to the feed window.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AssetCacheHits,
		AssetCacheMisses,
		AssetCacheSizeBytes,
		AssetEvictionsTotal,
		LoadFailuresTotal,
		ResolutionFallbacksTotal,
		PrefetchBytesTotal,
		PrefetchFallbacksTotal,
		ActiveSessions,
		SessionRetriesTotal,
		SessionFailuresTotal,
		FeedPagesTotal,
		FeedLength,
	)
}
