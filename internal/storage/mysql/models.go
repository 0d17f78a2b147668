package mysql

import (
	"time"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

type productRow struct {
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	Name           string    `gorm:"type:varchar(255);not null"`
	CategoryID     int64     `gorm:"not null;default:0"`
	BasePriceMinor int64     `gorm:"not null"`
	Stock          int32     `gorm:"not null;default:0;check:chk_products_stock,stock >= 0"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (productRow) TableName() string { return "products" }

type productSizeRow struct {
	ID                 int64  `gorm:"primaryKey;autoIncrement"`
	ProductID          int64  `gorm:"not null;index"`
	Size               string `gorm:"type:varchar(32);not null"`
	Stock              int32  `gorm:"not null;default:0;check:chk_product_sizes_stock,stock >= 0"`
	PriceOverrideMinor *int64
}

func (productSizeRow) TableName() string { return "product_sizes" }

type orderRow struct {
	ID              string    `gorm:"primaryKey;type:varchar(36)"`
	UserID          string    `gorm:"type:varchar(64);not null;index"`
	TotalMinor      int64     `gorm:"not null"`
	PaymentMethod   string    `gorm:"type:varchar(16);not null"`
	PaymentStatus   string    `gorm:"type:varchar(16);not null;index:idx_orders_status_created,priority:1"`
	PaymentIntentID string    `gorm:"type:varchar(128);not null;default:''"`
	Version         int64     `gorm:"not null;default:0"`
	CreatedAt       time.Time `gorm:"not null;index:idx_orders_status_created,priority:2"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (orderRow) TableName() string { return "orders" }

type orderItemRow struct {
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	OrderID        string    `gorm:"type:varchar(36);not null;index"`
	ProductID      int64     `gorm:"not null"`
	VariantID      int64     `gorm:"not null;default:0"`
	Qty            int32     `gorm:"not null"`
	UnitPriceMinor int64     `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (orderItemRow) TableName() string { return "order_items" }

type stockMovementRow struct {
	ID            int64     `gorm:"primaryKey;autoIncrement"`
	ProductID     int64     `gorm:"not null;index:idx_stock_movements_key,priority:1"`
	VariantID     int64     `gorm:"not null;default:0;index:idx_stock_movements_key,priority:2"`
	MovementType  string    `gorm:"type:varchar(32);not null"`
	Quantity      int32     `gorm:"not null"`
	Delta         int32     `gorm:"not null"`
	PreviousStock int32     `gorm:"not null"`
	NewStock      int32     `gorm:"not null"`
	Reason        string    `gorm:"type:varchar(255);not null;default:''"`
	ActorID       string    `gorm:"type:varchar(64);not null;default:''"`
	OrderID       string    `gorm:"type:varchar(36);not null;default:''"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (stockMovementRow) TableName() string { return "stock_movements" }

type statusEventRow struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	OrderID    string    `gorm:"type:varchar(36);not null;index"`
	FromStatus string    `gorm:"type:varchar(16);not null;default:''"`
	ToStatus   string    `gorm:"type:varchar(16);not null"`
	ActorID    string    `gorm:"type:varchar(64);not null;default:''"`
	Reason     string    `gorm:"type:varchar(255);not null;default:''"`
	OccurredAt time.Time `gorm:"not null"`
}

func (statusEventRow) TableName() string { return "order_status_events" }

type paymentTransactionRow struct {
	ID              int64     `gorm:"primaryKey;autoIncrement"`
	OrderID         string    `gorm:"type:varchar(36);not null;index"`
	TransactionID   string    `gorm:"type:varchar(128);not null;uniqueIndex"`
	AmountMinor     int64     `gorm:"not null"`
	Status          string    `gorm:"type:varchar(16);not null"`
	GatewayResponse *string   `gorm:"type:json"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (paymentTransactionRow) TableName() string { return "payment_transactions" }

type notificationRow struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)"`
	Scope     string    `gorm:"type:varchar(96);not null;index:idx_notifications_scope_created,priority:1"`
	Type      string    `gorm:"type:varchar(32);not null"`
	Payload   string    `gorm:"type:json;not null"`
	IsRead    bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"not null;index:idx_notifications_scope_created,priority:2"`
}

func (notificationRow) TableName() string { return "notifications" }

type outboxRow struct {
	ID            string    `gorm:"primaryKey;type:varchar(36)"`
	AggregateType string    `gorm:"type:varchar(32);not null"`
	AggregateID   string    `gorm:"type:varchar(64);not null"`
	EventType     string    `gorm:"type:varchar(64);not null"`
	Payload       []byte    `gorm:"type:blob;not null"`
	Status        string    `gorm:"type:varchar(16);not null;index:idx_outbox_messages_status_created,priority:1"`
	AttemptCount  int       `gorm:"not null;default:0"`
	CreatedAt     time.Time `gorm:"not null;index:idx_outbox_messages_status_created,priority:2"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (outboxRow) TableName() string { return "outbox_messages" }

// idempotencyRow: key — зарезервированное слово MySQL, поэтому колонка idem_key.
type idempotencyRow struct {
	Key          string    `gorm:"column:idem_key;primaryKey;type:varchar(255)"`
	RequestHash  string    `gorm:"type:varchar(64);not null"`
	ResponseBody []byte    `gorm:"type:blob"`
	HTTPStatus   *int      `gorm:"column:http_status"`
	Status       string    `gorm:"type:varchar(16);not null"`
	TTLAt        time.Time `gorm:"column:ttl_at;not null;index"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (idempotencyRow) TableName() string { return "idempotency_keys" }

func allModels() []any {
	return []any{
		&productRow{},
		&productSizeRow{},
		&orderRow{},
		&orderItemRow{},
		&stockMovementRow{},
		&statusEventRow{},
		&paymentTransactionRow{},
		&notificationRow{},
		&outboxRow{},
		&idempotencyRow{},
	}
}

func (r orderRow) toDomain(items []orderItemRow) domain.Order {
	order := domain.Order{
		ID:              r.ID,
		UserID:          r.UserID,
		TotalMinor:      r.TotalMinor,
		PaymentMethod:   domain.PaymentMethod(r.PaymentMethod),
		PaymentStatus:   domain.PaymentStatus(r.PaymentStatus),
		PaymentIntentID: r.PaymentIntentID,
		Version:         r.Version,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
		Items:           make([]domain.OrderItem, 0, len(items)),
	}
	for _, it := range items {
		order.Items = append(order.Items, domain.OrderItem{
			ID:             it.ID,
			OrderID:        it.OrderID,
			ProductID:      it.ProductID,
			VariantID:      it.VariantID,
			Qty:            it.Qty,
			UnitPriceMinor: it.UnitPriceMinor,
			CreatedAt:      it.CreatedAt.UTC(),
		})
	}
	return order
}

func (r stockMovementRow) toDomain() domain.StockMovement {
	return domain.StockMovement{
		ID:            r.ID,
		ProductID:     r.ProductID,
		VariantID:     r.VariantID,
		Type:          domain.MovementType(r.MovementType),
		Quantity:      r.Quantity,
		Delta:         r.Delta,
		PreviousStock: r.PreviousStock,
		NewStock:      r.NewStock,
		Reason:        r.Reason,
		ActorID:       r.ActorID,
		OrderID:       r.OrderID,
		CreatedAt:     r.CreatedAt.UTC(),
	}
}

func (r paymentTransactionRow) toDomain() domain.PaymentTransaction {
	txn := domain.PaymentTransaction{
		ID:            r.ID,
		OrderID:       r.OrderID,
		TransactionID: r.TransactionID,
		AmountMinor:   r.AmountMinor,
		Status:        domain.TransactionStatus(r.Status),
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
	if r.GatewayResponse != nil && *r.GatewayResponse != "" {
		txn.GatewayResponse = []byte(*r.GatewayResponse)
	}
	return txn
}

func (r idempotencyRow) toDomain() domain.IdempotencyRecord {
	rec := domain.IdempotencyRecord{
		Key:          r.Key,
		RequestHash:  r.RequestHash,
		ResponseBody: append([]byte(nil), r.ResponseBody...),
		Status:       domain.IdempotencyStatus(r.Status),
		TTLAt:        r.TTLAt.UTC(),
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
	if r.HTTPStatus != nil {
		rec.HTTPStatus = *r.HTTPStatus
	}
	return rec
}
