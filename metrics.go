package datp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes this package's operational counters. Construct once
// per process with NewMetrics and share between components; a nil
// *Metrics disables instrumentation.
type Metrics struct {
	DeltasApplied       prometheus.Counter
	LongPollOutstanding prometheus.Gauge
	LongPollReplies     *prometheus.CounterVec // outcome: reply|timeout
	WebhookAttempts     *prometheus.CounterVec // result: success|failure|cancelled
	WakeClaims          prometheus.Counter
	WakeSweeps          prometheus.Counter
}

// NewMetrics registers the collectors on reg. A nil registerer uses the
// default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		DeltasApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "datp_deltas_applied_total",
			Help: "Deltas accepted by ApplyDelta, including replays.",
		}),
		LongPollOutstanding: factory.NewGauge(prometheus.GaugeOpts{
			Name: "datp_longpoll_outstanding",
			Help: "HTTP replies currently held open awaiting completion.",
		}),
		LongPollReplies: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "datp_longpoll_replies_total",
			Help: "Held replies resolved, by outcome.",
		}, []string{"outcome"}),
		WebhookAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "datp_webhook_attempts_total",
			Help: "Webhook delivery attempts, by result.",
		}, []string{"result"}),
		WakeClaims: factory.NewCounter(prometheus.CounterOpts{
			Name: "datp_wake_claims_total",
			Help: "Sleeping transactions this node exclusively claimed for wake.",
		}),
		WakeSweeps: factory.NewCounter(prometheus.CounterOpts{
			Name: "datp_wake_sweeps_total",
			Help: "Wake sweep ticks completed.",
		}),
	}
}
