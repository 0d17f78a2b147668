package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StoreMetrics содержит метрики ядра магазина: оформление, склад, оплата, уведомления.
// Все методы безопасны для nil-получателя.
type StoreMetrics struct {
	ordersCreated    prometheus.Counter
	checkoutRejected *prometheus.CounterVec
	checkoutDuration prometheus.Histogram

	stockMovements *prometheus.CounterVec
	lowStockAlerts prometheus.Counter

	paymentTransitions *prometheus.CounterVec
	duplicateWebhooks  prometheus.Counter

	txConflictRetries *prometheus.CounterVec

	notifications *prometheus.CounterVec
	sseSessions   prometheus.Gauge

	reconcileRuns       prometheus.Counter
	reconcileMismatches prometheus.Gauge

	httpRequests *prometheus.HistogramVec
}

// NewStoreMetrics создаёт метрики в DefaultRegisterer.
func NewStoreMetrics() *StoreMetrics {
	return NewStoreMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewStoreMetricsWithRegisterer создаёт метрики в заданном реестре; повторная регистрация переиспользует коллекторы.
func NewStoreMetricsWithRegisterer(registerer prometheus.Registerer) *StoreMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &StoreMetrics{
		ordersCreated: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campusstore_orders_created_total",
			Help: "Total number of orders created",
		}), "campusstore_orders_created_total"),
		checkoutRejected: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campusstore_checkout_rejected_total",
			Help: "Checkout attempts rejected, by error code",
		}, []string{"code"}), "campusstore_checkout_rejected_total"),
		checkoutDuration: register(registerer, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "campusstore_checkout_duration_seconds",
			Help:    "Duration of the checkout transaction including retries",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}), "campusstore_checkout_duration_seconds"),
		stockMovements: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campusstore_stock_movements_total",
			Help: "Stock movements recorded by the ledger, by type",
		}, []string{"type"}), "campusstore_stock_movements_total"),
		lowStockAlerts: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campusstore_low_stock_alerts_total",
			Help: "Low stock threshold crossings",
		}), "campusstore_low_stock_alerts_total"),
		paymentTransitions: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campusstore_payment_transitions_total",
			Help: "Committed payment status transitions, by target status",
		}, []string{"status"}), "campusstore_payment_transitions_total"),
		duplicateWebhooks: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campusstore_payment_duplicate_webhooks_total",
			Help: "Webhook deliveries ignored as duplicates of a known transaction id",
		}), "campusstore_payment_duplicate_webhooks_total"),
		txConflictRetries: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campusstore_tx_conflict_retries_total",
			Help: "Transactions retried after deadlock or lock timeout, by operation",
		}, []string{"operation"}), "campusstore_tx_conflict_retries_total"),
		notifications: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campusstore_notifications_total",
			Help: "Notification deliveries, by sink and result",
		}, []string{"sink", "result"}), "campusstore_notifications_total"),
		sseSessions: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "campusstore_sse_sessions",
			Help: "Currently connected event stream sessions",
		}), "campusstore_sse_sessions"),
		reconcileRuns: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campusstore_reconcile_runs_total",
			Help: "Completed stock reconciliation passes",
		}), "campusstore_reconcile_runs_total"),
		reconcileMismatches: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "campusstore_reconcile_mismatches",
			Help: "Stock rows whose movement history does not replay to the stock column",
		}), "campusstore_reconcile_mismatches"),
		httpRequests: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "campusstore_http_request_duration_seconds",
			Help:    "HTTP API request latency, by route and status class",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}), "campusstore_http_request_duration_seconds"),
	}
}

func register[T prometheus.Collector](registerer prometheus.Registerer, collector T, name string) T {
	if err := registerer.Register(collector); err != nil {
		var alreadyRegistered prometheus.AlreadyRegisteredError
		if errors.As(err, &alreadyRegistered) {
			existing, ok := alreadyRegistered.ExistingCollector.(T)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", name))
			}
			return existing
		}
		panic(fmt.Sprintf("register collector %q: %v", name, err))
	}
	return collector
}

// RecordOrderCreated фиксирует успешное оформление.
func (m *StoreMetrics) RecordOrderCreated(duration time.Duration) {
	if m == nil {
		return
	}
	m.ordersCreated.Inc()
	m.checkoutDuration.Observe(duration.Seconds())
}

// RecordCheckoutRejected фиксирует отказ в оформлении с кодом ошибки.
func (m *StoreMetrics) RecordCheckoutRejected(code string, duration time.Duration) {
	if m == nil {
		return
	}
	m.checkoutRejected.WithLabelValues(code).Inc()
	m.checkoutDuration.Observe(duration.Seconds())
}

// RecordStockMovement считает движения журнала.
func (m *StoreMetrics) RecordStockMovement(movementType string) {
	if m == nil {
		return
	}
	m.stockMovements.WithLabelValues(movementType).Inc()
}

func (m *StoreMetrics) RecordLowStock() {
	if m == nil {
		return
	}
	m.lowStockAlerts.Inc()
}

// RecordPaymentTransition считает зафиксированные переходы статуса.
func (m *StoreMetrics) RecordPaymentTransition(status string) {
	if m == nil {
		return
	}
	m.paymentTransitions.WithLabelValues(status).Inc()
}

func (m *StoreMetrics) RecordDuplicateWebhook() {
	if m == nil {
		return
	}
	m.duplicateWebhooks.Inc()
}

// RecordConflictRetry считает повтор транзакции после конфликта блокировок.
func (m *StoreMetrics) RecordConflictRetry(operation string) {
	if m == nil {
		return
	}
	m.txConflictRetries.WithLabelValues(operation).Inc()
}

// RecordNotification считает доставку уведомления в sink.
func (m *StoreMetrics) RecordNotification(sink, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(sink, result).Inc()
}

func (m *StoreMetrics) SSESessionOpened() {
	if m == nil {
		return
	}
	m.sseSessions.Inc()
}

func (m *StoreMetrics) SSESessionClosed() {
	if m == nil {
		return
	}
	m.sseSessions.Dec()
}

// RecordReconcile фиксирует результат прохода сверки.
func (m *StoreMetrics) RecordReconcile(mismatches int) {
	if m == nil {
		return
	}
	m.reconcileRuns.Inc()
	m.reconcileMismatches.Set(float64(mismatches))
}

// RecordHTTPRequest фиксирует обработанный HTTP-запрос; status — класс ответа (2xx, 4xx, 5xx).
func (m *StoreMetrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, fmt.Sprintf("%dxx", status/100)).Observe(duration.Seconds())
}
