package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

// gormTx реализует domain.Tx поверх транзакционного *gorm.DB.
type gormTx struct {
	db    *gorm.DB
	now   func() time.Time
	hooks domain.CommitHooks
}

type stockLevelRow struct {
	Stock       int32
	PriceMinor  int64
	HasVariants bool
}

func (t *gormTx) LockStock(ctx context.Context, key domain.StockKey) (domain.StockLevel, error) {
	return loadStockLevel(t.db.WithContext(ctx), key, true)
}

func (t *gormTx) SetStock(ctx context.Context, key domain.StockKey, stock int32) error {
	if stock < 0 {
		return &domain.NegativeStockError{Key: key, Previous: stock}
	}

	db := t.db.WithContext(ctx)
	var res *gorm.DB
	if key.HasVariant() {
		res = db.Model(&productSizeRow{}).
			Where("id = ? AND product_id = ?", key.VariantID, key.ProductID).
			Update("stock", stock)
	} else {
		res = db.Model(&productRow{}).
			Where("id = ?", key.ProductID).
			Updates(map[string]any{"stock": stock, "updated_at": t.now()})
	}
	if res.Error != nil {
		if errorNumber(res.Error) == errCheckConstraint {
			return &domain.NegativeStockError{Key: key, Previous: stock}
		}
		return fmt.Errorf("update stock %s: %w", key, res.Error)
	}
	if res.RowsAffected == 0 {
		// MySQL не считает строку затронутой, если значение не изменилось.
		if _, err := loadStockLevel(db, key, false); err != nil {
			return err
		}
	}
	return nil
}

func (t *gormTx) InsertMovement(ctx context.Context, m domain.StockMovement) (domain.StockMovement, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = t.now()
	}
	row := stockMovementRow{
		ProductID:     m.ProductID,
		VariantID:     m.VariantID,
		MovementType:  string(m.Type),
		Quantity:      m.Quantity,
		Delta:         m.Delta,
		PreviousStock: m.PreviousStock,
		NewStock:      m.NewStock,
		Reason:        m.Reason,
		ActorID:       m.ActorID,
		OrderID:       m.OrderID,
		CreatedAt:     m.CreatedAt,
	}
	if err := t.db.WithContext(ctx).Create(&row).Error; err != nil {
		return domain.StockMovement{}, fmt.Errorf("insert stock movement: %w", err)
	}
	m.ID = row.ID
	return m, nil
}

func (t *gormTx) InsertOrder(ctx context.Context, order *domain.Order) error {
	db := t.db.WithContext(ctx)
	row := orderRow{
		ID:              order.ID,
		UserID:          order.UserID,
		TotalMinor:      order.TotalMinor,
		PaymentMethod:   string(order.PaymentMethod),
		PaymentStatus:   string(order.PaymentStatus),
		PaymentIntentID: order.PaymentIntentID,
		Version:         order.Version,
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
	}
	if err := db.Create(&row).Error; err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	if len(order.Items) == 0 {
		return nil
	}
	items := make([]orderItemRow, len(order.Items))
	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		if item.CreatedAt.IsZero() {
			item.CreatedAt = order.CreatedAt
		}
		items[i] = orderItemRow{
			OrderID:        order.ID,
			ProductID:      item.ProductID,
			VariantID:      item.VariantID,
			Qty:            item.Qty,
			UnitPriceMinor: item.UnitPriceMinor,
			CreatedAt:      item.CreatedAt,
		}
	}
	if err := db.Create(&items).Error; err != nil {
		return fmt.Errorf("insert order items: %w", err)
	}
	for i := range items {
		order.Items[i].ID = items[i].ID
	}
	return nil
}

func (t *gormTx) LockOrder(ctx context.Context, id string) (domain.Order, error) {
	return loadOrder(t.db.WithContext(ctx), id, true)
}

func (t *gormTx) UpdatePaymentStatus(ctx context.Context, orderID string, status domain.PaymentStatus, intentID string, at time.Time) error {
	updates := map[string]any{
		"payment_status": string(status),
		"version":        gorm.Expr("version + 1"),
		"updated_at":     at,
	}
	if intentID != "" {
		updates["payment_intent_id"] = intentID
	}

	res := t.db.WithContext(ctx).Model(&orderRow{}).Where("id = ?", orderID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update payment status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

func (t *gormTx) AppendStatusChange(ctx context.Context, change domain.StatusChange) error {
	if change.Occurred.IsZero() {
		change.Occurred = t.now()
	}
	row := statusEventRow{
		OrderID:    change.OrderID,
		FromStatus: string(change.From),
		ToStatus:   string(change.To),
		ActorID:    change.ActorID,
		Reason:     change.Reason,
		OccurredAt: change.Occurred,
	}
	if err := t.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append status change: %w", err)
	}
	return nil
}

func (t *gormTx) FindTransaction(ctx context.Context, transactionID string) (domain.PaymentTransaction, error) {
	var row paymentTransactionRow
	err := t.db.WithContext(ctx).Where("transaction_id = ?", transactionID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.PaymentTransaction{}, domain.ErrTransactionNotFound
		}
		return domain.PaymentTransaction{}, fmt.Errorf("find transaction: %w", err)
	}
	return row.toDomain(), nil
}

func (t *gormTx) HasCompletedTransaction(ctx context.Context, orderID string) (bool, error) {
	var count int64
	if err := t.db.WithContext(ctx).Model(&paymentTransactionRow{}).
		Where("order_id = ? AND status = ?", orderID, string(domain.TransactionCompleted)).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("check completed transaction: %w", err)
	}
	return count > 0, nil
}

// InsertTransaction: дубликат ключа в InnoDB откатывает только оператор, транзакция остаётся рабочей.
func (t *gormTx) InsertTransaction(ctx context.Context, txn domain.PaymentTransaction) (domain.PaymentTransaction, error) {
	now := t.now()
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = now
	}
	txn.UpdatedAt = now

	row := paymentTransactionRow{
		OrderID:       txn.OrderID,
		TransactionID: txn.TransactionID,
		AmountMinor:   txn.AmountMinor,
		Status:        string(txn.Status),
		CreatedAt:     txn.CreatedAt,
		UpdatedAt:     txn.UpdatedAt,
	}
	if len(txn.GatewayResponse) > 0 {
		gateway := string(txn.GatewayResponse)
		row.GatewayResponse = &gateway
	}

	if err := t.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errorNumber(err) == errDuplicateEntry {
			return domain.PaymentTransaction{}, domain.ErrDuplicateTransaction
		}
		return domain.PaymentTransaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	txn.ID = row.ID
	return txn, nil
}

func (t *gormTx) AfterCommit(fn func()) {
	t.hooks.Add(fn)
}

func loadStockLevel(db *gorm.DB, key domain.StockKey, forUpdate bool) (domain.StockLevel, error) {
	var (
		row stockLevelRow
		q   *gorm.DB
	)
	if key.HasVariant() {
		q = db.Table("product_sizes AS s").
			Select("s.stock AS stock, COALESCE(s.price_override_minor, p.base_price_minor) AS price_minor").
			Joins("JOIN products p ON p.id = s.product_id").
			Where("s.id = ? AND s.product_id = ?", key.VariantID, key.ProductID)
		if forUpdate {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Table: clause.Table{Name: "s"}})
		}
	} else {
		q = db.Table("products AS p").
			Select("p.stock AS stock, p.base_price_minor AS price_minor, "+
				"EXISTS (SELECT 1 FROM product_sizes s WHERE s.product_id = p.id) AS has_variants").
			Where("p.id = ?", key.ProductID)
		if forUpdate {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Table: clause.Table{Name: "p"}})
		}
	}

	res := q.Limit(1).Scan(&row)
	if res.Error != nil {
		return domain.StockLevel{}, fmt.Errorf("load stock %s: %w", key, res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.StockLevel{}, fmt.Errorf("%s: %w", key, domain.ErrStockNotFound)
	}
	return domain.StockLevel{
		Key:         key,
		Stock:       row.Stock,
		PriceMinor:  row.PriceMinor,
		HasVariants: row.HasVariants,
	}, nil
}

func loadOrder(db *gorm.DB, id string, forUpdate bool) (domain.Order, error) {
	q := db.Where("id = ?", id)
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var row orderRow
	if err := q.Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}

	var items []orderItemRow
	if err := db.Where("order_id = ?", id).Order("id ASC").Find(&items).Error; err != nil {
		return domain.Order{}, fmt.Errorf("load order items: %w", err)
	}
	return row.toDomain(items), nil
}

var _ domain.Tx = (*gormTx)(nil)
