package mysql

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

func (s *Store) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return loadOrder(s.db.WithContext(ctx), id, false)
}

func (s *Store) ListOrderHistory(ctx context.Context, orderID string) ([]domain.StatusChange, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var rows []statusEventRow
	if err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("occurred_at ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list order history: %w", err)
	}

	history := make([]domain.StatusChange, 0, len(rows))
	for _, r := range rows {
		history = append(history, domain.StatusChange{
			OrderID:  r.OrderID,
			From:     domain.PaymentStatus(r.FromStatus),
			To:       domain.PaymentStatus(r.ToStatus),
			ActorID:  r.ActorID,
			Reason:   r.Reason,
			Occurred: r.OccurredAt.UTC(),
		})
	}
	return history, nil
}

func (s *Store) ListTransactions(ctx context.Context, orderID string) ([]domain.PaymentTransaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var rows []paymentTransactionRow
	if err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}

	txns := make([]domain.PaymentTransaction, 0, len(rows))
	for _, r := range rows {
		txns = append(txns, r.toDomain())
	}
	return txns, nil
}

func (s *Store) ListMovements(ctx context.Context, key domain.StockKey) ([]domain.StockMovement, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var rows []stockMovementRow
	if err := s.db.WithContext(ctx).
		Where("product_id = ? AND variant_id = ?", key.ProductID, key.VariantID).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}

	movements := make([]domain.StockMovement, 0, len(rows))
	for _, r := range rows {
		movements = append(movements, r.toDomain())
	}
	return movements, nil
}

// ListStockLevels возвращает строки остатка, у которых есть хотя бы одно движение.
func (s *Store) ListStockLevels(ctx context.Context) ([]domain.StockLevel, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var keys []domain.StockKey
	if err := s.db.WithContext(ctx).
		Model(&stockMovementRow{}).
		Distinct("product_id", "variant_id").
		Order("product_id, variant_id").
		Scan(&keys).Error; err != nil {
		return nil, fmt.Errorf("list stock keys: %w", err)
	}

	levels := make([]domain.StockLevel, 0, len(keys))
	for _, key := range keys {
		level, err := loadStockLevel(s.db.WithContext(ctx), key, false)
		if err != nil {
			return nil, err
		}
		levels = append(levels, level)
	}
	return levels, nil
}

func (s *Store) ListStalePending(ctx context.Context, before time.Time, limit int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&orderRow{}).
		Where("payment_status = ? AND created_at < ?", string(domain.PaymentStatusPending), before).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list stale pending orders: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}
