package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the monitor.
// It is passed explicitly to every component that records metrics. All
// helpers are safe to call on a nil *Metrics.
type Metrics struct {
	// Solana RPC
	solanaRPCCallsTotal        *prometheus.CounterVec
	solanaRPCCallDuration      *prometheus.HistogramVec
	solanaRPCRateLimitHits     *prometheus.CounterVec
	solanaRPCRetries           *prometheus.CounterVec
	solanaRPCSignaturesPerCall *prometheus.HistogramVec

	// Classification and evaluation
	transactionsSkippedTotal *prometheus.CounterVec
	batchesTruncatedTotal    *prometheus.CounterVec
	signaturesDeferredTotal  *prometheus.CounterVec
	signaturePagesCapped     *prometheus.CounterVec
	instructionsTotal        *prometheus.CounterVec
	eventsEvaluatedTotal     *prometheus.CounterVec
	eventsUSDValue           *prometheus.HistogramVec

	// Alert delivery
	alertsTotal *prometheus.CounterVec

	// Poll cycles
	cycleDuration *prometheus.HistogramVec
	cursorSlot    *prometheus.GaugeVec
	priceFetches  *prometheus.CounterVec

	// Workflow
	workflowCyclesTotal *prometheus.CounterVec
	activityDuration    *prometheus.HistogramVec

	// Database
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		solanaRPCRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_rate_limit_hits_total",
				Help: "Total number of Solana RPC rate limit hits (429 errors)",
			},
			[]string{"endpoint"},
		),
		solanaRPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_retries_total",
				Help: "Total number of Solana RPC retry attempts",
			},
			[]string{"method", "reason"},
		),
		solanaRPCSignaturesPerCall: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_signatures_per_call",
				Help:    "Number of signatures fetched per GetSignaturesForAddress call",
				Buckets: []float64{1, 10, 50, 100, 250, 500, 1000},
			},
			[]string{"endpoint"},
		),

		transactionsSkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultwatch_transactions_skipped_total",
				Help: "Transactions in a batch that produced no events (missing, failed on chain, fetch error)",
			},
			[]string{"reason"},
		),
		batchesTruncatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultwatch_batches_truncated_total",
				Help: "Signature batches stopped early by a deadline",
			},
			[]string{"endpoint"},
		),
		signaturesDeferredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultwatch_signatures_deferred_total",
				Help: "Listed signatures left for the next fetch after a truncated batch",
			},
			[]string{"endpoint"},
		),
		signaturePagesCapped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultwatch_signature_pages_capped_total",
				Help: "Signature listings that hit the page cap; older signatures of the burst were not listed",
			},
			[]string{"endpoint"},
		),
		instructionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultwatch_instructions_total",
				Help: "Monitored-program instructions by classification kind",
			},
			[]string{"kind"},
		),
		eventsEvaluatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultwatch_events_evaluated_total",
				Help: "Vault events by action, asset and evaluation outcome",
			},
			[]string{"action", "symbol", "outcome"},
		),
		eventsUSDValue: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vaultwatch_event_usd_value",
				Help:    "USD value of evaluated vault events",
				Buckets: prometheus.ExponentialBuckets(10, 10, 8),
			},
			[]string{"action", "symbol"},
		),

		alertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultwatch_alerts_total",
				Help: "Alert deliveries by sink and status",
			},
			[]string{"sink", "status"},
		),

		cycleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vaultwatch_cycle_duration_seconds",
				Help:    "Duration of poll cycles in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"status"},
		),
		cursorSlot: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vaultwatch_cursor_slot",
				Help: "Slot of the last processed signature",
			},
			[]string{"address"},
		),
		priceFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultwatch_price_fetches_total",
				Help: "Price snapshot fetches by source and status",
			},
			[]string{"source", "status"},
		),

		workflowCyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultwatch_workflow_cycles_total",
				Help: "Poll cycles executed as workflow activities",
			},
			[]string{"status"},
		),
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vaultwatch_activity_duration_seconds",
				Help:    "Duration of workflow activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"activity"},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	if m == nil {
		return
	}
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	if m == nil {
		return
	}
	m.solanaRPCRateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	if m == nil {
		return
	}
	m.solanaRPCRetries.WithLabelValues(method, reason).Inc()
}

// RecordRPCSignaturesPerCall records the number of signatures fetched.
func (m *Metrics) RecordRPCSignaturesPerCall(endpoint string, count float64) {
	if m == nil {
		return
	}
	m.solanaRPCSignaturesPerCall.WithLabelValues(endpoint).Observe(count)
}

// Classification and evaluation helpers

// RecordTransactionsSkipped records transactions that produced no events.
func (m *Metrics) RecordTransactionsSkipped(reason string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.transactionsSkippedTotal.WithLabelValues(reason).Add(float64(count))
}

// RecordBatchTruncated records a batch cut short by a deadline and the
// signatures it left for the next fetch.
func (m *Metrics) RecordBatchTruncated(endpoint string, remaining int) {
	if m == nil {
		return
	}
	m.batchesTruncatedTotal.WithLabelValues(endpoint).Inc()
	m.signaturesDeferredTotal.WithLabelValues(endpoint).Add(float64(remaining))
}

// RecordSignaturePagesCapped records a listing that stopped at the page cap.
func (m *Metrics) RecordSignaturePagesCapped(endpoint string) {
	if m == nil {
		return
	}
	m.signaturePagesCapped.WithLabelValues(endpoint).Inc()
}

// RecordInstruction records one classified monitored-program instruction.
func (m *Metrics) RecordInstruction(kind string) {
	if m == nil {
		return
	}
	m.instructionsTotal.WithLabelValues(kind).Inc()
}

// RecordEventEvaluated records the outcome of evaluating a vault event.
// usd is ignored when negative (no price was available).
func (m *Metrics) RecordEventEvaluated(action, symbol, outcome string, usd float64) {
	if m == nil {
		return
	}
	m.eventsEvaluatedTotal.WithLabelValues(action, symbol, outcome).Inc()
	if usd >= 0 {
		m.eventsUSDValue.WithLabelValues(action, symbol).Observe(usd)
	}
}

// RecordAlert records an alert delivery attempt.
func (m *Metrics) RecordAlert(sink, status string) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(sink, status).Inc()
}

// Cycle helpers

// RecordCycle records a poll cycle.
func (m *Metrics) RecordCycle(status string, duration float64) {
	if m == nil {
		return
	}
	m.cycleDuration.WithLabelValues(status).Observe(duration)
}

// SetCursorSlot records the slot of the current cursor.
func (m *Metrics) SetCursorSlot(address string, slot uint64) {
	if m == nil {
		return
	}
	m.cursorSlot.WithLabelValues(address).Set(float64(slot))
}

// RecordPriceFetch records a price snapshot fetch.
func (m *Metrics) RecordPriceFetch(source, status string) {
	if m == nil {
		return
	}
	m.priceFetches.WithLabelValues(source, status).Inc()
}

// Workflow metric helpers

// RecordWorkflowCycle records a cycle run by the workflow driver.
func (m *Metrics) RecordWorkflowCycle(status string) {
	if m == nil {
		return
	}
	m.workflowCyclesTotal.WithLabelValues(status).Inc()
}

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity string, duration float64) {
	if m == nil {
		return
	}
	m.activityDuration.WithLabelValues(activity).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	if m == nil {
		return
	}
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
