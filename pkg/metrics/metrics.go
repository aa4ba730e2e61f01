// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RegenerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trail_lapse_regenerations_total",
		Help: "Regeneration attempts by outcome (published, skipped, failed).",
	}, []string{"outcome"})

	EncodeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trail_lapse_encode_seconds",
		Help:    "Time spent encoding a timelapse animation.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	RegenerationsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trail_lapse_regenerations_in_flight",
		Help: "Regenerations currently holding a trail lock.",
	})

	FrameDownloadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trail_lapse_frame_download_failures_total",
		Help: "Frame downloads that failed and were dropped from an animation.",
	})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trail_lapse_cache_lookups_total",
		Help: "Single-trail timelapse requests by cache result (hit, miss).",
	}, []string{"result"})
)

// ObserveEncode records the duration since start.
func ObserveEncode(start time.Time) {
	EncodeSeconds.Observe(time.Since(start).Seconds())
}
