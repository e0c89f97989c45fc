package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CampaignTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_status_transitions_total",
			Help: "Campaign status changes by target status",
		},
		[]string{"status"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_notifications_total",
			Help: "Per-recipient dispatch outcomes",
		},
		[]string{"channel", "outcome"}, // outcome: succeeded, failed_retryable, failed_terminal
	)

	RowsMaterialized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_rows_materialized_total",
			Help: "Sheet rows handled during materialization",
		},
		[]string{"result"}, // result: queued, unknown_user, missing_keys, duplicate
	)

	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "campaign_sweep_duration_seconds",
			Help:    "Duration of periodic sweeps",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"sweep"},
	)

	PassDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "campaign_pass_duration_seconds",
			Help:    "Duration of publish and processing passes",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"pass", "result"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)

	TriggersConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_triggers_consumed_total",
			Help: "Publish and process triggers taken off the queue",
		},
		[]string{"kind", "result"},
	)
)

func RecordTransition(status string) {
	CampaignTransitions.WithLabelValues(status).Inc()
}

func RecordSend(channel, outcome string, n int) {
	if n <= 0 {
		return
	}
	NotificationsSent.WithLabelValues(channel, outcome).Add(float64(n))
}

func RecordMaterialized(result string, n int) {
	if n <= 0 {
		return
	}
	RowsMaterialized.WithLabelValues(result).Add(float64(n))
}

func RecordSweep(sweep string, d time.Duration) {
	SweepDuration.WithLabelValues(sweep).Observe(d.Seconds())
}

func RecordPass(pass, result string, d time.Duration) {
	PassDuration.WithLabelValues(pass, result).Observe(d.Seconds())
}

func RecordHTTPRequest(method, path, status string, d time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(d.Seconds())
}

func RecordTrigger(kind, result string) {
	TriggersConsumed.WithLabelValues(kind, result).Inc()
}
