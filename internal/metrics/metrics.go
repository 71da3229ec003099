package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "publishing_jobs_processed_total",
		Help: "Posts executed by the orchestrator, by outcome",
	}, []string{"outcome"})
	QuotaDeferrals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "publishing_quota_deferrals_total",
		Help: "Posts deferred to a later cycle by quota admission",
	})
	ProviderAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "publishing_provider_attempts_total",
		Help: "Session start attempts per provider and result",
	}, []string{"provider", "result"})
	ProviderThrottled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "publishing_provider_throttled_total",
		Help: "Candidates skipped because the provider was at its session ceiling",
	}, []string{"provider"})
	SessionStartSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "publishing_session_start_seconds",
		Help:    "Time to obtain a ready session",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
	}, []string{"provider"})
	AssetBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "publishing_asset_bytes_total",
		Help: "Bytes materialized to local disk",
	})
	ReapedPosts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "publishing_reaped_posts_total",
		Help: "Stale RUNNING posts failed by the reaper",
	})
	LaunchRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "publishing_remote_launch_rejects_total",
		Help: "Remote profile launches rejected by the local throttle",
	})
	CycleSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "publishing_cycle_seconds",
		Help:    "Duration of one worker cycle",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
	WakeUps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "publishing_wakeups_total",
		Help: "Wake-up messages consumed by the worker, by result",
	}, []string{"result"})
	JobsScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "publishing_jobs_scheduled_total",
		Help: "Jobs created through the API",
	})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsProcessed,
			QuotaDeferrals,
			ProviderAttempts,
			ProviderThrottled,
			SessionStartSeconds,
			AssetBytes,
			ReapedPosts,
			LaunchRejects,
			CycleSeconds,
			WakeUps,
			JobsScheduled,
		)
	})
	return promhttp.Handler()
}
