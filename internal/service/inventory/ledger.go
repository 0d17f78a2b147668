package inventory

import (
	"context"
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
	"github.com/vladislavdragonenkov/campusstore/internal/metrics"
)

// DefaultLowStockThreshold задаёт порог, ниже которого админам уходит low-stock-alert.
const DefaultLowStockThreshold int32 = 5

// Movement описывает запрос на изменение остатка одной строки.
type Movement struct {
	Key  domain.StockKey
	Type domain.MovementType
	// Quantity > 0 для всех типов, кроме adjustment, где знак задаёт направление.
	Quantity int32
	Reason   string
	ActorID  string
	OrderID  string
}

// Ledger — единственный путь изменения остатков. Работает только внутри транзакции вызывающего.
type Ledger struct {
	notifier  domain.Notifier
	metrics   *metrics.StoreMetrics
	logger    *log.Entry
	threshold int32
	now       func() time.Time
}

// LedgerOption настраивает Ledger.
type LedgerOption func(*Ledger)

// WithNotifier задаёт получателя low-stock событий.
func WithNotifier(n domain.Notifier) LedgerOption {
	return func(l *Ledger) { l.notifier = n }
}

func WithMetrics(m *metrics.StoreMetrics) LedgerOption {
	return func(l *Ledger) { l.metrics = m }
}

func WithLogger(logger *log.Entry) LedgerOption {
	return func(l *Ledger) { l.logger = logger }
}

// WithLowStockThreshold задаёт порог low-stock; 0 отключает уведомления.
func WithLowStockThreshold(threshold int32) LedgerOption {
	return func(l *Ledger) { l.threshold = threshold }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// NewLedger создаёт леджер.
func NewLedger(opts ...LedgerOption) *Ledger {
	l := &Ledger{
		threshold: DefaultLowStockThreshold,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = log.WithField("component", "inventory-ledger")
	}
	return l
}

// Apply блокирует строку остатка, записывает движение и обновляет остаток в транзакции tx.
// Отрицательный остаток отклоняется всегда, независимо от проверок вызывающего.
func (l *Ledger) Apply(ctx context.Context, tx domain.Tx, mv Movement) (domain.StockMovement, error) {
	delta, err := domain.SignedDelta(mv.Type, mv.Quantity)
	if err != nil {
		return domain.StockMovement{}, err
	}

	level, err := tx.LockStock(ctx, mv.Key)
	if err != nil {
		return domain.StockMovement{}, fmt.Errorf("lock %s: %w", mv.Key, err)
	}
	if level.HasVariants && !mv.Key.HasVariant() {
		return domain.StockMovement{}, fmt.Errorf("%w: product %d is tracked per size", domain.ErrInvalidMovement, mv.Key.ProductID)
	}

	wide := int64(level.Stock) + int64(delta)
	switch {
	case wide < 0:
		return domain.StockMovement{}, &domain.NegativeStockError{Key: mv.Key, Previous: level.Stock, Delta: delta}
	case wide > math.MaxInt32:
		return domain.StockMovement{}, fmt.Errorf("%w: stock for %s would exceed %d", domain.ErrInvalidMovement, mv.Key, int32(math.MaxInt32))
	}
	next := int32(wide)

	qty := mv.Quantity
	if qty < 0 {
		qty = -qty
	}
	recorded, err := tx.InsertMovement(ctx, domain.StockMovement{
		ProductID:     mv.Key.ProductID,
		VariantID:     mv.Key.VariantID,
		Type:          mv.Type,
		Quantity:      qty,
		Delta:         delta,
		PreviousStock: level.Stock,
		NewStock:      next,
		Reason:        mv.Reason,
		ActorID:       mv.ActorID,
		OrderID:       mv.OrderID,
		CreatedAt:     l.now(),
	})
	if err != nil {
		return domain.StockMovement{}, fmt.Errorf("insert movement %s: %w", mv.Key, err)
	}
	if err := tx.SetStock(ctx, mv.Key, next); err != nil {
		return domain.StockMovement{}, fmt.Errorf("update stock %s: %w", mv.Key, err)
	}

	tx.AfterCommit(func() { l.metrics.RecordStockMovement(string(mv.Type)) })
	if l.crossedThreshold(level.Stock, next) {
		l.scheduleLowStock(tx, mv.Key, next)
	}

	return recorded, nil
}

func (l *Ledger) crossedThreshold(prev, next int32) bool {
	return l.threshold > 0 && prev >= l.threshold && next < l.threshold
}

func (l *Ledger) scheduleLowStock(tx domain.Tx, key domain.StockKey, stock int32) {
	tx.AfterCommit(func() {
		l.metrics.RecordLowStock()
		l.logger.WithFields(log.Fields{
			"product_id": key.ProductID,
			"variant_id": key.VariantID,
			"stock":      stock,
		}).Info("stock fell below threshold")
		if l.notifier == nil {
			return
		}
		l.notifier.Publish(domain.ScopeAdmin, domain.NotificationLowStock, domain.NotificationPayload{
			ProductID: key.ProductID,
			VariantID: key.VariantID,
			Stock:     &stock,
		})
	})
}
