// Package metrics registers Prometheus collectors for the orchestrator core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Lock manager (C7)
	LeaseAcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpt_lease_acquire_total",
		Help: "Total takeControl attempts by result",
	}, []string{"result"})

	LeaseReleaseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpt_lease_release_total",
		Help: "Total releaseControl calls by result",
	}, []string{"result"})

	LeaseExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vpt_lease_expired_total",
		Help: "Leases released by heartbeat expiry",
	})

	ActiveLeases = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vpt_active_leases",
		Help: "Currently held device leases",
	})

	// Navigation cache (C4)
	TreeCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vpt_tree_cache_hits_total",
		Help: "Navigation cache hits",
	})

	TreeCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vpt_tree_cache_misses_total",
		Help: "Navigation cache misses (full tree loads)",
	})

	TreeCacheInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpt_tree_cache_invalidations_total",
		Help: "Navigation cache invalidations by reason",
	}, []string{"reason"})

	// Host proxy (C8)
	ProxyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpt_proxy_requests_total",
		Help: "Host proxy RPCs by operation and result",
	}, []string{"op", "result"})

	ProxyRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vpt_proxy_retries_total",
		Help: "Host proxy transport retries",
	})

	ProxyLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vpt_proxy_latency_seconds",
		Help:    "Host proxy RPC latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// Frame analyzer
	FramesAnalyzedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpt_frames_analyzed_total",
		Help: "Frames processed by the analyzer, by sampling mode",
	}, []string{"mode"})

	DetectionsSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpt_detections_skipped_total",
		Help: "Per-frame detections skipped under load, by detection",
	}, []string{"detection"})

	AnalyzerQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vpt_analyzer_queue_depth",
		Help: "Current frame queue depth per device",
	}, []string{"device"})

	// Zap detector
	ZapDetectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpt_zap_detected_total",
		Help: "Zap detections by method",
	}, []string{"method"})

	ZapDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vpt_zap_duration_seconds",
		Help:    "Observed zap transition durations",
		Buckets: []float64{0.5, 1, 1.5, 2, 3, 4, 6, 8, 10},
	})

	// Script executor
	ScriptRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpt_script_runs_total",
		Help: "Completed script runs by outcome",
	}, []string{"outcome"})

	ScriptStepFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vpt_script_step_failures_total",
		Help: "Non-fatal step failures tolerated during script runs",
	})
)
