package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bookingsync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint and status code.",
		},
		[]string{"endpoint", "code"},
	)

	webhooks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Webhook events by stage (received, rejected, debounced, dispatched).",
		},
		[]string{"stage"},
	)

	pendingTimers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "webhook_pending_timers",
			Help:      "Bookings waiting for their quiet period to elapse.",
		},
	)

	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Job runs by kind and result.",
		},
		[]string{"kind", "result"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job handler duration.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs",
			Help:      "Jobs in the queue by status.",
		},
		[]string{"status"},
	)

	deadLetters = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Jobs moved to the dead-letter channel.",
		},
	)

	upserts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_upserts_total",
			Help:      "Mirror writes by outcome.",
		},
		[]string{"outcome"},
	)

	credentialRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_refreshes_total",
			Help:      "Access token exchanges and provisioning attempts by result.",
		},
		[]string{"operation", "result"},
	)

	upstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Upstream API calls by operation and result.",
		},
		[]string{"operation", "result"},
	)
)

// Register registers the collectors with the default registry. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			webhooks,
			pendingTimers,
			jobsProcessed,
			jobDuration,
			queueDepth,
			deadLetters,
			upserts,
			credentialRefreshes,
			upstreamRequests,
		)
	})
}

func IncHTTP(endpoint, code string) {
	httpRequests.WithLabelValues(endpoint, code).Inc()
}

func IncWebhook(stage string) {
	webhooks.WithLabelValues(stage).Inc()
}

func SetPendingTimers(n int) {
	pendingTimers.Set(float64(n))
}

// ObserveJob records one handler run.
func ObserveJob(kind, result string, d time.Duration) {
	jobsProcessed.WithLabelValues(kind, result).Inc()
	jobDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func SetQueueDepth(status string, n int64) {
	queueDepth.WithLabelValues(status).Set(float64(n))
}

func IncDeadLetter() {
	deadLetters.Inc()
}

func IncUpsert(outcome string) {
	upserts.WithLabelValues(outcome).Inc()
}

func IncCredential(operation, result string) {
	credentialRefreshes.WithLabelValues(operation, result).Inc()
}

func IncUpstream(operation, result string) {
	upstreamRequests.WithLabelValues(operation, result).Inc()
}
