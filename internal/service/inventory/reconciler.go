package inventory

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
	"github.com/vladislavdragonenkov/campusstore/internal/metrics"
)

const defaultReconcileInterval = 10 * time.Minute

// Mismatch описывает строку остатка, журнал которой не сходится с колонкой stock.
type Mismatch struct {
	Key      domain.StockKey
	Stock    int32
	Replayed int32
	// Err заполнен при разрыве цепочки previous/new.
	Err error
}

// Report содержит итог прохода сверки.
type Report struct {
	Checked    int
	Mismatches []Mismatch
}

// Reconciler периодически проигрывает журнал движений и сверяет его с остатками.
type Reconciler struct {
	store    domain.Store
	metrics  *metrics.StoreMetrics
	logger   *log.Entry
	interval time.Duration
}

// NewReconciler создаёт сверку. При interval <= 0 берётся значение по умолчанию.
func NewReconciler(store domain.Store, interval time.Duration, m *metrics.StoreMetrics, logger *log.Entry) *Reconciler {
	if logger == nil {
		logger = log.WithField("component", "stock-reconciler")
	}
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	return &Reconciler{store: store, metrics: m, logger: logger, interval: interval}
}

// Run запускает сверку по таймеру до отмены ctx.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runLogged(ctx)
		}
	}
}

func (r *Reconciler) runLogged(ctx context.Context) {
	if _, err := r.ReconcileOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.WithError(err).Warn("stock reconciliation failed")
	}
}

// ReconcileOnce выполняет один проход по всем строкам, у которых есть движения.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (Report, error) {
	levels, err := r.store.ListStockLevels(ctx)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for _, level := range levels {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		movements, err := r.store.ListMovements(ctx, level.Key)
		if err != nil {
			return report, err
		}
		report.Checked++
		if len(movements) == 0 {
			continue
		}

		replayed, replayErr := domain.ReplayMovements(movements)
		if replayErr == nil && replayed == level.Stock {
			continue
		}

		mismatch := Mismatch{Key: level.Key, Stock: level.Stock, Replayed: replayed, Err: replayErr}
		report.Mismatches = append(report.Mismatches, mismatch)
		entry := r.logger.WithFields(log.Fields{
			"product_id": level.Key.ProductID,
			"variant_id": level.Key.VariantID,
			"stock":      level.Stock,
			"replayed":   replayed,
		})
		if replayErr != nil {
			entry = entry.WithError(replayErr)
		}
		entry.Error("stock does not match movement history")
	}

	r.metrics.RecordReconcile(len(report.Mismatches))
	return report, nil
}
