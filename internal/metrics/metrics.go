// Package metrics defines the Prometheus collectors for search runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supersearch_runs_total",
			Help: "Search runs by terminal status",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "supersearch_run_duration_seconds",
			Help:    "Wall time of completed search runs",
			Buckets: []float64{5, 10, 20, 30, 60, 90, 120, 180, 300},
		},
	)

	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "supersearch_runs_active",
			Help: "Search runs currently in flight",
		},
	)

	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supersearch_provider_calls_total",
			Help: "Research provider calls by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "supersearch_provider_latency_seconds",
			Help:    "Research provider call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	Extractions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supersearch_extractions_total",
			Help: "Structured extractions by outcome",
		},
		[]string{"outcome"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supersearch_cache_lookups_total",
			Help: "Result cache lookups by result (hit, miss, stale)",
		},
		[]string{"result"},
	)

	WindowRuns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "supersearch_window_runs",
			Help: "Runs in the monitoring window by state",
		},
		[]string{"state"},
	)

	WindowFailRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "supersearch_window_fail_rate",
			Help: "Failed share of finished runs in the monitoring window",
		},
	)

	WindowSpendUSD = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "supersearch_window_spend_usd",
			Help: "Estimated spend of completed runs in the monitoring window",
		},
	)

	AlertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supersearch_alerts_sent_total",
			Help: "Monitoring alerts delivered by type",
		},
		[]string{"type"},
	)

	LLMTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supersearch_llm_tokens_total",
			Help: "Language model tokens by model and direction",
		},
		[]string{"model", "direction"},
	)
)

// Outcome labels shared by the provider and extraction counters.
const (
	OutcomeOK      = "ok"
	OutcomeEmpty   = "empty"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)
