package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes fleet counters and gauges. Gauges over live registries are
// sampled at scrape time via GaugeFunc so they can never drift from the
// source of truth.
type Metrics struct {
	SessionsStarted   prometheus.Counter
	SessionsCompleted prometheus.Counter
	SessionsFailed    prometheus.Counter
	SessionsTimedOut  prometheus.Counter
	SessionsQueued    prometheus.Counter
	QueueTimeouts     prometheus.Counter
	WorkerDisconnects prometheus.Counter
	EventsReceived    *prometheus.CounterVec
	FramesSent        *prometheus.CounterVec
	WebhooksReceived  *prometheus.CounterVec
	WebhooksRelayed   prometheus.Counter
	WebhooksThrottled prometheus.Counter
	QueueWaitSeconds  prometheus.Histogram
}

// NewMetrics registers fleet metrics against the default registry and wires
// the scrape-time gauges.
func NewMetrics(registry *WorkerRegistry, router *SessionRouter, store *SessionStore, subs *PRSubscriptionRegistry) *Metrics {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "foreman_workers_connected",
		Help: "Number of currently connected workers",
	}, func() float64 { return float64(registry.Count()) })

	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "foreman_sessions_assigned",
		Help: "Number of sessions currently assigned to workers",
	}, func() float64 { return float64(len(router.Assignments())) })

	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "foreman_sessions_queued",
		Help: "Number of sessions waiting for a free worker",
	}, func() float64 { return float64(router.QueueLength()) })

	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "foreman_sessions_open",
		Help: "Number of open session records",
	}, func() float64 { return float64(store.Count()) })

	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "foreman_pr_subscriptions",
		Help: "Number of live pull request feedback subscriptions",
	}, func() float64 { return float64(subs.Count()) })

	return &Metrics{
		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "foreman_sessions_started_total",
			Help: "Sessions dispatched to a worker",
		}),
		SessionsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "foreman_sessions_completed_total",
			Help: "Sessions that reached the completed phase",
		}),
		SessionsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "foreman_sessions_failed_total",
			Help: "Sessions that ended in the error phase",
		}),
		SessionsTimedOut: promauto.NewCounter(prometheus.CounterOpts{
			Name: "foreman_sessions_timed_out_total",
			Help: "Sessions closed by timeout",
		}),
		SessionsQueued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "foreman_sessions_enqueued_total",
			Help: "Placement requests that entered the wait queue",
		}),
		QueueTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "foreman_queue_timeouts_total",
			Help: "Queued placement requests that expired unplaced",
		}),
		WorkerDisconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "foreman_worker_disconnects_total",
			Help: "Worker connection teardowns, any reason",
		}),
		EventsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "foreman_worker_events_total",
			Help: "Session events received from workers, by type",
		}, []string{"type"}),
		FramesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "foreman_frames_sent_total",
			Help: "Frames delivered to workers, by type",
		}, []string{"type"}),
		WebhooksReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "foreman_webhooks_received_total",
			Help: "GitHub webhook deliveries accepted, by event",
		}, []string{"event"}),
		WebhooksRelayed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "foreman_webhooks_relayed_total",
			Help: "Webhook deliveries relayed to a worker as PR feedback",
		}),
		WebhooksThrottled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "foreman_webhooks_throttled_total",
			Help: "Webhook deliveries dropped by per-repository rate limiting",
		}),
		QueueWaitSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "foreman_queue_wait_seconds",
			Help:    "Time queued placement requests waited before promotion",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 9),
		}),
	}
}
