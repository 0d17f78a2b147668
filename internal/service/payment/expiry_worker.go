package payment

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

const (
	defaultExpiryInterval  = time.Minute
	defaultExpiryBatchSize = 100
)

// ExpiryWorker отменяет заказы, которые слишком долго остаются в pending, и возвращает их сток.
type ExpiryWorker struct {
	store     domain.Store
	machine   *StateMachine
	ttl       time.Duration
	interval  time.Duration
	batchSize int
	logger    *log.Entry
	now       func() time.Time
}

// NewExpiryWorker создаёт воркер. ttl <= 0 отключает его.
func NewExpiryWorker(store domain.Store, machine *StateMachine, ttl, interval time.Duration, batchSize int, logger *log.Entry) *ExpiryWorker {
	if logger == nil {
		logger = log.WithField("component", "pending-expiry")
	}
	if interval <= 0 {
		interval = defaultExpiryInterval
	}
	if batchSize <= 0 {
		batchSize = defaultExpiryBatchSize
	}
	return &ExpiryWorker{
		store:     store,
		machine:   machine,
		ttl:       ttl,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run периодически отменяет просроченные заказы до отмены ctx.
func (w *ExpiryWorker) Run(ctx context.Context) {
	if w.ttl <= 0 {
		w.logger.Info("pending order expiry is disabled")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce отменяет одну пачку просроченных заказов и возвращает число отменённых.
func (w *ExpiryWorker) ProcessOnce(ctx context.Context) int {
	if w.ttl <= 0 || ctx.Err() != nil {
		return 0
	}

	ids, err := w.store.ListStalePending(ctx, w.now().Add(-w.ttl), w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to list stale pending orders")
		return 0
	}

	cancelled := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		res, err := w.machine.Cancel(ctx, id, SystemActor, "payment window expired")
		switch {
		case err == nil && !res.Duplicate:
			cancelled++
		case errors.Is(err, domain.ErrInvalidTransition):
			// Заказ успели оплатить между выборкой и блокировкой.
		case err != nil:
			w.logger.WithError(err).WithField("order_id", id).Warn("failed to expire pending order")
		}
	}

	if cancelled > 0 {
		w.logger.WithField("cancelled", cancelled).Info("expired pending orders")
	}
	return cancelled
}
