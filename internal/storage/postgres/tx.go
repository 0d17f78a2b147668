package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

// pgTx реализует domain.Tx поверх *sql.Tx.
type pgTx struct {
	tx    *sql.Tx
	now   func() time.Time
	hooks domain.CommitHooks
}

func (t *pgTx) LockStock(ctx context.Context, key domain.StockKey) (domain.StockLevel, error) {
	return loadStockLevel(ctx, t.tx, key, true)
}

func (t *pgTx) SetStock(ctx context.Context, key domain.StockKey, stock int32) error {
	if stock < 0 {
		return &domain.NegativeStockError{Key: key, Previous: stock}
	}

	var (
		res sql.Result
		err error
	)
	if key.HasVariant() {
		res, err = t.tx.ExecContext(ctx, `
			UPDATE product_sizes SET stock = $1
			WHERE id = $2 AND product_id = $3
		`, stock, key.VariantID, key.ProductID)
	} else {
		res, err = t.tx.ExecContext(ctx, `
			UPDATE products SET stock = $1, updated_at = $2
			WHERE id = $3
		`, stock, t.now(), key.ProductID)
	}
	if err != nil {
		if hasCode(err, pgCheckViolation) {
			return &domain.NegativeStockError{Key: key, Previous: stock}
		}
		return fmt.Errorf("update stock %s: %w", key, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", key, domain.ErrStockNotFound)
	}
	return nil
}

func (t *pgTx) InsertMovement(ctx context.Context, m domain.StockMovement) (domain.StockMovement, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = t.now()
	}
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO stock_movements (
			product_id, variant_id, movement_type, quantity, delta,
			previous_stock, new_stock, reason, actor_id, order_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING id
	`,
		m.ProductID, m.VariantID, string(m.Type), m.Quantity, m.Delta,
		m.PreviousStock, m.NewStock, m.Reason, m.ActorID, m.OrderID, m.CreatedAt,
	).Scan(&m.ID)
	if err != nil {
		return domain.StockMovement{}, fmt.Errorf("insert stock movement: %w", err)
	}
	return m, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, order *domain.Order) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, user_id, total_minor, payment_method, payment_status,
			payment_intent_id, version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		order.ID, order.UserID, order.TotalMinor, string(order.PaymentMethod), string(order.PaymentStatus),
		order.PaymentIntentID, order.Version, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		if item.CreatedAt.IsZero() {
			item.CreatedAt = order.CreatedAt
		}
		if err := t.tx.QueryRowContext(ctx, `
			INSERT INTO order_items (
				order_id, product_id, variant_id, qty, unit_price_minor, created_at
			) VALUES ($1,$2,$3,$4,$5,$6)
			RETURNING id
		`,
			order.ID, item.ProductID, item.VariantID, item.Qty, item.UnitPriceMinor, item.CreatedAt,
		).Scan(&item.ID); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

func (t *pgTx) LockOrder(ctx context.Context, id string) (domain.Order, error) {
	return loadOrder(ctx, t.tx, id, true)
}

func (t *pgTx) UpdatePaymentStatus(ctx context.Context, orderID string, status domain.PaymentStatus, intentID string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE orders
		SET payment_status = $2,
		    payment_intent_id = CASE WHEN $3 = '' THEN payment_intent_id ELSE $3 END,
		    version = version + 1,
		    updated_at = $4
		WHERE id = $1
	`, orderID, string(status), intentID, at)
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

func (t *pgTx) AppendStatusChange(ctx context.Context, change domain.StatusChange) error {
	if change.Occurred.IsZero() {
		change.Occurred = t.now()
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO order_status_events (order_id, from_status, to_status, actor_id, reason, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`,
		change.OrderID, string(change.From), string(change.To), change.ActorID, change.Reason, change.Occurred,
	); err != nil {
		return fmt.Errorf("append status change: %w", err)
	}
	return nil
}

func (t *pgTx) FindTransaction(ctx context.Context, transactionID string) (domain.PaymentTransaction, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM payment_transactions
		WHERE transaction_id = $1
	`, transactionID)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PaymentTransaction{}, domain.ErrTransactionNotFound
		}
		return domain.PaymentTransaction{}, fmt.Errorf("find transaction: %w", err)
	}
	return txn, nil
}

func (t *pgTx) HasCompletedTransaction(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	if err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM payment_transactions
			WHERE order_id = $1 AND status = $2
		)
	`, orderID, string(domain.TransactionCompleted)).Scan(&exists); err != nil {
		return false, fmt.Errorf("check completed transaction: %w", err)
	}
	return exists, nil
}

// InsertTransaction не прерывает транзакцию при дубле: конфликт гасится ON CONFLICT DO NOTHING.
func (t *pgTx) InsertTransaction(ctx context.Context, txn domain.PaymentTransaction) (domain.PaymentTransaction, error) {
	now := t.now()
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = now
	}
	txn.UpdatedAt = now

	var gateway any
	if len(txn.GatewayResponse) > 0 {
		gateway = string(txn.GatewayResponse)
	}

	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO payment_transactions (
			order_id, transaction_id, amount_minor, status, gateway_response, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (transaction_id) DO NOTHING
		RETURNING id
	`,
		txn.OrderID, txn.TransactionID, txn.AmountMinor, string(txn.Status), gateway, txn.CreatedAt, txn.UpdatedAt,
	).Scan(&txn.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PaymentTransaction{}, domain.ErrDuplicateTransaction
		}
		return domain.PaymentTransaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	return txn, nil
}

func (t *pgTx) AfterCommit(fn func()) {
	t.hooks.Add(fn)
}

var _ domain.Tx = (*pgTx)(nil)
