package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bulksms_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	EnqueuedJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bulksms_enqueue_jobs_total", Help: "Batch job enqueue results"},
		[]string{"kind", "result"},
	)
	ProviderSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bulksms_provider_send_total", Help: "Provider bulk/single send outcomes"},
		[]string{"op", "result", "http_status"},
	)
	ProviderLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "bulksms_provider_send_latency_seconds", Help: "Provider send latency"},
	)
	BatchMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bulksms_batch_messages_total", Help: "Per-message batch outcomes"},
		[]string{"outcome"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bulksms_dlr_events_total", Help: "Delivery receipt webhook events"},
		[]string{"status"},
	)
	WebhookDuplicates = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "bulksms_dlr_duplicates_total", Help: "Duplicate delivery receipts dropped by the replay guard"},
	)
	BillingApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bulksms_billing_applied_total", Help: "Billing settlement outcomes"},
		[]string{"result"},
	)
	WatchdogResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bulksms_watchdog_resolved_total", Help: "Stale claims resolved by the watchdog"},
		[]string{"resolution"},
	)
	PollerUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bulksms_dlr_poll_updates_total", Help: "Fallback poller status updates"},
		[]string{"status"},
	)
	UnprocessedEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "bulksms_dlr_unprocessed_events", Help: "Webhook events recorded but never finished processing"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		APIRequests, EnqueuedJobs,
		ProviderSend, ProviderLatency, BatchMessages,
		WebhookEvents, WebhookDuplicates,
		BillingApplied, WatchdogResolved, PollerUpdates, UnprocessedEvents,
	)
}
