package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CartAPIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cart_api_request_duration_seconds",
		Help:    "Latency of remote cart API calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "status"})

	CartAPIErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_api_errors_total",
		Help: "Total number of failed remote cart API calls",
	}, []string{"op", "reason"})

	CartStaleResponsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_stale_responses_total",
		Help: "Cart responses dropped because a newer snapshot was already applied",
	}, []string{"op"})

	CartMergesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_session_merges_total",
		Help: "Session cart merges by outcome",
	}, []string{"outcome"})

	OfflineSyncItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_sync_items_total",
		Help: "Offline cart items replayed into the online cart by outcome",
	}, []string{"outcome"})

	OfflineSyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "offline_sync_duration_seconds",
		Help:    "Duration of an offline-sync pass",
		Buckets: prometheus.DefBuckets,
	})

	OfflineCartItems = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offline_cart_items",
		Help: "Total quantity currently held in the offline cart",
	})

	OfflineFallbackAddsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cart_offline_fallback_adds_total",
		Help: "Add-to-cart intents that fell back to the offline cart",
	})

	OptimisticRollbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cart_optimistic_rollbacks_total",
		Help: "Optimistic quantity updates rolled back after a server failure",
	})

	ReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_reconciliations_total",
		Help: "Login reconciliations by path taken",
	}, []string{"path"})

	ConnectivityProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connectivity_probes_total",
		Help: "Backend reachability probes by result",
	}, []string{"result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
