// Package metrics registers the server's Prometheus instrumentation.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Requests counts HTTP requests by handler and status code.
	Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tileproxy",
		Name:      "requests_total",
		Help:      "HTTP requests by handler and status code.",
	}, []string{"handler", "status"})

	// RequestDuration observes end-to-end request latency per handler.
	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tileproxy",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by handler.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"handler"})

	// TileFetches counts upstream tile fetches by layer and outcome
	// (ok, tne, error).
	TileFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tileproxy",
		Name:      "tile_fetches_total",
		Help:      "Upstream tile fetches by layer and outcome.",
	}, []string{"layer", "outcome"})

	// CacheHits counts tile cache lookups by layer and result (hit, miss).
	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tileproxy",
		Name:      "cache_lookups_total",
		Help:      "Tile cache lookups by layer and result.",
	}, []string{"layer", "result"})

	// RAMCacheTiles tracks the current in-memory tile cache population.
	RAMCacheTiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tileproxy",
		Name:      "ram_cache_tiles",
		Help:      "Tiles currently held in the in-memory LRU.",
	})
)

func init() {
	prometheus.MustRegister(
		Requests,
		RequestDuration,
		TileFetches,
		CacheHits,
		RAMCacheTiles,
	)
}

// ObserveRequest records one finished HTTP request.
func ObserveRequest(handler string, status int, start time.Time) {
	Requests.WithLabelValues(handler, strconv.Itoa(status)).Inc()
	RequestDuration.WithLabelValues(handler).Observe(time.Since(start).Seconds())
}
