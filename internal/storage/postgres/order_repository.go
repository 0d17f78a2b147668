package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

const (
	orderColumns = `id, user_id, total_minor, payment_method, payment_status,
		payment_intent_id, version, created_at, updated_at`
	transactionColumns = `id, order_id, transaction_id, amount_minor, status,
		COALESCE(gateway_response::text, ''), created_at, updated_at`
	movementColumns = `id, product_id, variant_id, movement_type, quantity, delta,
		previous_stock, new_stock, reason, actor_id, order_id, created_at`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return loadOrder(ctx, s.db, id, false)
}

func (s *Store) ListOrderHistory(ctx context.Context, orderID string) ([]domain.StatusChange, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, from_status, to_status, actor_id, reason, occurred_at
		FROM order_status_events
		WHERE order_id = $1
		ORDER BY occurred_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list order history: %w", err)
	}
	defer rows.Close()

	history := make([]domain.StatusChange, 0)
	for rows.Next() {
		var (
			change   domain.StatusChange
			from, to string
		)
		if err := rows.Scan(&change.OrderID, &from, &to, &change.ActorID, &change.Reason, &change.Occurred); err != nil {
			return nil, fmt.Errorf("scan status change: %w", err)
		}
		change.From = domain.PaymentStatus(from)
		change.To = domain.PaymentStatus(to)
		change.Occurred = change.Occurred.UTC()
		history = append(history, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order history: %w", err)
	}
	return history, nil
}

func (s *Store) ListTransactions(ctx context.Context, orderID string) ([]domain.PaymentTransaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM payment_transactions
		WHERE order_id = $1
		ORDER BY id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	txns := make([]domain.PaymentTransaction, 0)
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return txns, nil
}

func (s *Store) ListMovements(ctx context.Context, key domain.StockKey) ([]domain.StockMovement, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE product_id = $1 AND variant_id = $2
		ORDER BY id ASC
	`, key.ProductID, key.VariantID)
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0)
	for rows.Next() {
		var (
			m   domain.StockMovement
			typ string
		)
		if err := rows.Scan(
			&m.ID, &m.ProductID, &m.VariantID, &typ, &m.Quantity, &m.Delta,
			&m.PreviousStock, &m.NewStock, &m.Reason, &m.ActorID, &m.OrderID, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		m.Type = domain.MovementType(typ)
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate movements: %w", err)
	}
	return movements, nil
}

// ListStockLevels возвращает строки остатка, у которых есть хотя бы одно движение.
func (s *Store) ListStockLevels(ctx context.Context) ([]domain.StockLevel, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT product_id, variant_id
		FROM stock_movements
		ORDER BY product_id, variant_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list stock keys: %w", err)
	}
	keys := make([]domain.StockKey, 0)
	for rows.Next() {
		var key domain.StockKey
		if err := rows.Scan(&key.ProductID, &key.VariantID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stock key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate stock keys: %w", err)
	}
	rows.Close()

	levels := make([]domain.StockLevel, 0, len(keys))
	for _, key := range keys {
		level, err := loadStockLevel(ctx, s.db, key, false)
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM orders
		WHERE payment_status = $1 AND created_at < $2
		ORDER BY created_at ASC, id ASC
		LIMIT $3
	`, string(domain.PaymentStatusPending), before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale pending orders: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan order id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale orders: %w", err)
	}
	return ids, nil
}

func loadStockLevel(ctx context.Context, q queryer, key domain.StockKey, forUpdate bool) (domain.StockLevel, error) {
	level := domain.StockLevel{Key: key}

	var err error
	if key.HasVariant() {
		query := `
			SELECT s.stock, COALESCE(s.price_override_minor, p.base_price_minor)
			FROM product_sizes s
			JOIN products p ON p.id = s.product_id
			WHERE s.id = $1 AND s.product_id = $2`
		if forUpdate {
			query += ` FOR UPDATE OF s`
		}
		err = q.QueryRowContext(ctx, query, key.VariantID, key.ProductID).Scan(&level.Stock, &level.PriceMinor)
	} else {
		query := `
			SELECT p.stock, p.base_price_minor,
			       EXISTS (SELECT 1 FROM product_sizes s WHERE s.product_id = p.id)
			FROM products p
			WHERE p.id = $1`
		if forUpdate {
			query += ` FOR UPDATE OF p`
		}
		err = q.QueryRowContext(ctx, query, key.ProductID).Scan(&level.Stock, &level.PriceMinor, &level.HasVariants)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.StockLevel{}, fmt.Errorf("%s: %w", key, domain.ErrStockNotFound)
		}
		return domain.StockLevel{}, fmt.Errorf("load stock %s: %w", key, err)
	}
	return level, nil
}

func loadOrder(ctx context.Context, q queryer, id string, forUpdate bool) (domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		order          domain.Order
		method, status string
	)
	err := q.QueryRowContext(ctx, query, id).Scan(
		&order.ID, &order.UserID, &order.TotalMinor, &method, &status,
		&order.PaymentIntentID, &order.Version, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}
	order.PaymentMethod = domain.PaymentMethod(method)
	order.PaymentStatus = domain.PaymentStatus(status)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()

	items, err := loadItems(ctx, q, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items
	return order, nil
}

func loadItems(ctx context.Context, q queryer, orderID string) ([]domain.OrderItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, product_id, variant_id, qty, unit_price_minor, created_at
		FROM order_items
		WHERE order_id = $1
		ORDER BY id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(
			&item.ID, &item.OrderID, &item.ProductID, &item.VariantID,
			&item.Qty, &item.UnitPriceMinor, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		item.CreatedAt = item.CreatedAt.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}
	return items, nil
}

func scanTransaction(row rowScanner) (domain.PaymentTransaction, error) {
	var (
		txn     domain.PaymentTransaction
		status  string
		gateway string
	)
	if err := row.Scan(
		&txn.ID, &txn.OrderID, &txn.TransactionID, &txn.AmountMinor, &status,
		&gateway, &txn.CreatedAt, &txn.UpdatedAt,
	); err != nil {
		return domain.PaymentTransaction{}, err
	}
	txn.Status = domain.TransactionStatus(status)
	if gateway != "" {
		txn.GatewayResponse = []byte(gateway)
	}
	txn.CreatedAt = txn.CreatedAt.UTC()
	txn.UpdatedAt = txn.UpdatedAt.UTC()
	return txn, nil
}
