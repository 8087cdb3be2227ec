package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "estateledger_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "estateledger_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	gatewayCalls = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "estateledger_gateway_call_duration_seconds",
		Help:    "Duration of payment gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "operation", "result"})

	finalizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "estateledger_payment_finalizations_total",
		Help: "Payment finalizations by outcome (completed, failed, replay)",
	}, []string{"provider", "outcome"})

	billPayments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "estateledger_bill_payments_total",
		Help: "Bill payment attempts by method and result",
	}, []string{"method", "result"})

	recurringAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "estateledger_recurring_attempts_total",
		Help: "Recurring payment attempts by source and result",
	}, []string{"source", "result"})

	schedulerRuns = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "estateledger_scheduler_run_duration_seconds",
		Help:    "Duration of scheduler job runs",
		Buckets: prometheus.DefBuckets,
	}, []string{"job", "result"})

	reconciled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "estateledger_reconciled_transactions_total",
		Help: "Pending transactions resolved by the reconciliation sweep",
	}, []string{"outcome"})

	notificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "estateledger_notifications_dropped_total",
		Help: "Notifications that could not be published",
	})
)

// ObserveHTTPRequest records an HTTP request metric
func ObserveHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// ObserveGatewayCall records one call to a payment gateway.
func ObserveGatewayCall(provider, operation string, err error, duration time.Duration) {
	gatewayCalls.WithLabelValues(provider, operation, result(err)).Observe(duration.Seconds())
}

// ObserveFinalization counts a finalize outcome; replays are callbacks for already settled transactions.
func ObserveFinalization(provider, outcome string) {
	finalizations.WithLabelValues(provider, outcome).Inc()
}

// ObserveBillPayment counts a bill payment attempt.
func ObserveBillPayment(method string, err error) {
	billPayments.WithLabelValues(method, result(err)).Inc()
}

// ObserveRecurringAttempt counts one scheduled charge.
func ObserveRecurringAttempt(source string, succeeded bool) {
	r := "success"
	if !succeeded {
		r = "failure"
	}
	recurringAttempts.WithLabelValues(source, r).Inc()
}

// ObserveSchedulerRun records the duration of a scheduler job.
func ObserveSchedulerRun(job string, err error, duration time.Duration) {
	schedulerRuns.WithLabelValues(job, result(err)).Observe(duration.Seconds())
}

// ObserveReconciled counts a transaction settled by the sweep.
func ObserveReconciled(outcome string) {
	reconciled.WithLabelValues(outcome).Inc()
}

// IncNotificationsDropped counts a lost notification.
func IncNotificationsDropped() {
	notificationsDropped.Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
