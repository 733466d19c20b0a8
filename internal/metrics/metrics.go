package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Event bus metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total number of events published on the bus",
		},
		[]string{"event_type"},
	)

	HandlerExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_handler_executions_total",
			Help: "Total number of event handler executions by outcome",
		},
		[]string{"handler", "mode", "status"},
	)

	PublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "event_publish_duration_seconds",
			Help:    "Time spent running synchronous handlers for one publish",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)

	// Webhook metrics
	WebhookAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_delivery_attempts_total",
			Help: "Total number of outbound webhook attempts",
		},
		[]string{"event_type", "status"},
	)

	WebhookDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_delivery_duration_seconds",
			Help:    "Outbound webhook attempt duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)

	// Notification metrics
	ChannelDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_channel_deliveries_total",
			Help: "Total number of channel dispatches by outcome",
		},
		[]string{"channel", "status"},
	)

	// Billing metrics
	BillingCharges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_charges_total",
			Help: "Total number of subscription charges by outcome",
		},
		[]string{"provider", "status"},
	)

	BillingBatch = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_batch_results_total",
			Help: "Aggregate outcomes of recurring billing batches",
		},
		[]string{"result"},
	)

	BillingBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "billing_batch_duration_seconds",
			Help:    "Recurring billing batch duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)

	DunningTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_dunning_transitions_total",
			Help: "Subscription status transitions caused by charge outcomes",
		},
		[]string{"from", "to"},
	)

	// Gateway metrics
	GatewayCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_gateway_calls_total",
			Help: "Total number of payment gateway API calls",
		},
		[]string{"provider", "operation", "status"},
	)

	GatewayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_gateway_duration_seconds",
			Help:    "Payment gateway API call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	// Redis metrics
	RedisOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total number of Redis operations",
		},
		[]string{"operation", "status"},
	)

	// Error metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors",
		},
		[]string{"type", "component"},
	)
)

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordEventPublished records bus publish metrics
func RecordEventPublished(eventType string, duration time.Duration) {
	EventsPublished.WithLabelValues(eventType).Inc()
	PublishDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// RecordHandlerExecution records a handler outcome. mode is sync or async.
func RecordHandlerExecution(handler, mode string, success bool) {
	HandlerExecutions.WithLabelValues(handler, mode, statusLabel(success)).Inc()
}

// RecordWebhookAttempt records one outbound webhook attempt
func RecordWebhookAttempt(eventType string, success bool, duration time.Duration) {
	WebhookAttempts.WithLabelValues(eventType, statusLabel(success)).Inc()
	WebhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// RecordChannelDelivery records one notification channel dispatch
func RecordChannelDelivery(channel, status string) {
	ChannelDeliveries.WithLabelValues(channel, status).Inc()
}

// RecordBillingCharge records the outcome of one subscription charge
func RecordBillingCharge(provider, status string) {
	BillingCharges.WithLabelValues(provider, status).Inc()
}

// RecordBillingBatch records the aggregate counts of a billing run
func RecordBillingBatch(success, failed, errors int, duration time.Duration) {
	BillingBatch.WithLabelValues("success").Add(float64(success))
	BillingBatch.WithLabelValues("failed").Add(float64(failed))
	BillingBatch.WithLabelValues("error").Add(float64(errors))
	BillingBatchDuration.Observe(duration.Seconds())
}

// RecordDunningTransition records a charge-driven status change
func RecordDunningTransition(from, to string) {
	DunningTransitions.WithLabelValues(from, to).Inc()
}

// RecordGatewayCall records payment gateway API call metrics
func RecordGatewayCall(provider, operation, status string, duration time.Duration) {
	GatewayCalls.WithLabelValues(provider, operation, status).Inc()
	GatewayDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordRedisOperation records Redis operation metrics
func RecordRedisOperation(operation, status string) {
	RedisOperations.WithLabelValues(operation, status).Inc()
}

// RecordError records error metrics
func RecordError(errorType, component string) {
	ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failed"
}
