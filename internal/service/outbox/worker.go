// Package outbox ретранслирует уведомления из transactional outbox во внешний брокер.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
	"github.com/vladislavdragonenkov/campusstore/internal/service/txretry"
)

const (
	defaultPollInterval    = time.Second
	defaultBatchSize       = 100
	defaultMaxAttempts     = 3
	defaultRetryBaseDelay  = 50 * time.Millisecond
	maxRetryDelay          = 5 * time.Second
	defaultBreakerFailures = 10
	defaultBreakerReset    = 30 * time.Second
)

var (
	publishResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusstore_outbox_publish_attempts_total",
		Help: "Outbox publish attempts by result and notification event.",
	}, []string{"result", "event_type"})
	pendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "campusstore_outbox_pending_records",
		Help: "Pending notifications in the transactional outbox.",
	})
	oldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "campusstore_outbox_oldest_pending_age_seconds",
		Help: "Age of the oldest pending outbox notification.",
	})
)

// BatchResult итог одного прохода по outbox.
type BatchResult struct {
	Sent     int
	Failed   int
	Deferred int
}

// Option настраивает Worker.
type Option func(*Worker)

func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDLQPublisher задаёт получателя сообщений, исчерпавших попытки.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(w *Worker) { w.dlq = publisher }
}

func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) {
		if interval > 0 {
			w.pollInterval = interval
		}
	}
}

func WithBatchSize(size int) Option {
	return func(w *Worker) {
		if size > 0 {
			w.batchSize = size
		}
	}
}

// WithMaxAttempts задаёт число попыток на одно сообщение до DLQ.
func WithMaxAttempts(attempts int) Option {
	return func(w *Worker) {
		if attempts > 0 {
			w.maxAttempts = attempts
		}
	}
}

// WithRetryBaseDelay задаёт первую паузу между попытками; дальше она удваивается до maxRetryDelay.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(w *Worker) { w.retryBaseDelay = max(delay, 0) }
}

// WithCircuitBreaker заменяет breaker брокера. nil отключает его.
func WithCircuitBreaker(cb *txretry.CircuitBreaker) Option {
	return func(w *Worker) {
		w.breaker = cb
		w.breakerSet = true
	}
}

// Worker ретранслирует pending-уведомления из outbox в Kafka или SQS.
//
// Сообщение, которое брокер отверг maxAttempts раз подряд, уходит в DLQ и помечается failed.
// Если брокер недоступен целиком, breaker размыкается и остаток пачки остаётся pending
// до следующего тика.
type Worker struct {
	repo           domain.OutboxRepository
	publisher      domain.OutboxPublisher
	dlq            domain.OutboxPublisher
	breaker        *txretry.CircuitBreaker
	breakerSet     bool
	logger         *log.Entry
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
}

func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, opts ...Option) *Worker {
	w := &Worker{
		repo:           repo,
		publisher:      publisher,
		logger:         log.WithField("component", "outbox-worker"),
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
	}
	for _, opt := range opts {
		opt(w)
	}
	if !w.breakerSet {
		w.breaker = txretry.NewCircuitBreaker(defaultBreakerFailures, defaultBreakerReset, w.logger)
	}
	return w
}

// Run опрашивает outbox каждые pollInterval до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		result := w.ProcessOnce(ctx)
		if result.Deferred > 0 {
			w.logger.WithField("deferred", result.Deferred).Warn("broker circuit is open, notifications stay pending")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce публикует одну пачку pending-сообщений.
func (w *Worker) ProcessOnce(ctx context.Context) BatchResult {
	var result BatchResult
	if ctx.Err() != nil {
		return result
	}
	defer w.refreshBacklogMetrics(ctx)

	events, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return result
	}

	for i, event := range events {
		if ctx.Err() != nil {
			return result
		}
		logger := w.logger.WithFields(log.Fields{"outbox_id": event.ID, "event_type": event.EventType})

		err := w.deliver(ctx, event)
		switch {
		case err == nil:
			if err := w.repo.MarkSent(ctx, event.ID); err != nil {
				logger.WithError(err).Warn("failed to mark outbox as sent")
				continue
			}
			result.Sent++
		case errors.Is(err, txretry.ErrCircuitOpen):
			result.Deferred = len(events) - i
			publishResults.WithLabelValues("deferred", event.EventType).Add(float64(result.Deferred))
			return result
		case ctx.Err() != nil:
			return result
		default:
			logger.WithError(err).Error("outbox publish failed after retries")
			publishResults.WithLabelValues("failed", event.EventType).Inc()
			w.deadLetter(ctx, logger, event, err)
			result.Failed++
		}
	}
	return result
}

// deliver делает до maxAttempts попыток через breaker.
// ErrCircuitOpen возвращается как есть, чтобы вызывающий отложил пачку.
func (w *Worker) deliver(ctx context.Context, event domain.OutboxMessage) error {
	var lastErr error
	delay := w.retryBaseDelay
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		err := w.publishOnce(ctx, event)
		if err == nil {
			publishResults.WithLabelValues("sent", event.EventType).Inc()
			return nil
		}
		if errors.Is(err, txretry.ErrCircuitOpen) {
			return err
		}
		lastErr = err
		publishResults.WithLabelValues("retry_error", event.EventType).Inc()

		if attempt == w.maxAttempts || delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, maxRetryDelay)
	}
	return fmt.Errorf("publish failed after %d attempts: %w", w.maxAttempts, lastErr)
}

func (w *Worker) publishOnce(ctx context.Context, event domain.OutboxMessage) error {
	if w.breaker == nil {
		return w.publisher.Publish(ctx, event)
	}
	return w.breaker.Execute("outbox-publish", func() error {
		return w.publisher.Publish(ctx, event)
	})
}

func (w *Worker) deadLetter(ctx context.Context, logger *log.Entry, event domain.OutboxMessage, publishErr error) {
	if err := w.publishToDLQ(ctx, event, publishErr); err != nil {
		logger.WithError(err).Warn("failed to publish to DLQ")
		publishResults.WithLabelValues("dlq_failed", event.EventType).Inc()
	}
	if err := w.repo.MarkFailed(ctx, event.ID); err != nil {
		logger.WithError(err).Warn("failed to mark outbox as failed")
	}
}

func (w *Worker) refreshBacklogMetrics(ctx context.Context) {
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}
	pendingRecords.Set(float64(stats.PendingCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		oldestPendingAge.Set(0)
		return
	}
	oldestPendingAge.Set(max(time.Since(stats.OldestPendingAt).Seconds(), 0))
}

// DeadLetter описывает сообщение, которое не удалось опубликовать за maxAttempts попыток.
type DeadLetter struct {
	OutboxID       string          `json:"outbox_id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	PublishError   string          `json:"publish_error"`
	DLQPublishedAt time.Time       `json:"dlq_published_at"`
}

// Message восстанавливает исходное outbox-сообщение для повторной публикации.
func (d DeadLetter) Message() domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            d.OutboxID,
		AggregateType: d.AggregateType,
		AggregateID:   d.AggregateID,
		EventType:     d.EventType,
		Payload:       append([]byte(nil), d.Payload...),
	}
}

// DecodeDeadLetter разбирает сообщение из DLQ.
func DecodeDeadLetter(data []byte) (DeadLetter, error) {
	var dl DeadLetter
	if err := json.Unmarshal(data, &dl); err != nil {
		return DeadLetter{}, fmt.Errorf("decode dead letter: %w", err)
	}
	if dl.OutboxID == "" || dl.EventType == "" {
		return DeadLetter{}, fmt.Errorf("decode dead letter: outbox_id and event_type are required")
	}
	return dl, nil
}

func (w *Worker) publishToDLQ(ctx context.Context, event domain.OutboxMessage, publishErr error) error {
	if w.dlq == nil {
		return nil
	}

	payload, err := json.Marshal(DeadLetter{
		OutboxID:       event.ID,
		AggregateType:  event.AggregateType,
		AggregateID:    event.AggregateID,
		EventType:      event.EventType,
		Payload:        json.RawMessage(event.Payload),
		PublishError:   publishErr.Error(),
		DLQPublishedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dlq payload: %w", err)
	}

	dlqEvent := event
	dlqEvent.Payload = payload
	if err := w.dlq.Publish(ctx, dlqEvent); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}
