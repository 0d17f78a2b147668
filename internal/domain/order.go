package domain

import (
	"errors"
	"time"
)

// PaymentStatus описывает жизненный цикл оплаты заказа.
type PaymentStatus string

const (
	// Заказ создан, сток зарезервирован, оплаты ещё нет.
	PaymentStatusPending PaymentStatus = "pending"
	// Шлюз подтвердил оплату.
	PaymentStatusPaid PaymentStatus = "paid"
	// Попытка оплаты не удалась; заказ можно оплатить повторно или отменить.
	PaymentStatusFailed PaymentStatus = "failed"
	// Заказ отменён, сток возвращён.
	PaymentStatusCancelled PaymentStatus = "cancelled"
	// Деньги и сток возвращены.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusRefunded:
		return true
	default:
		return false
	}
}

var transitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending: {PaymentStatusPaid, PaymentStatusFailed, PaymentStatusCancelled},
	// Повторная попытка оплаты после отказа шлюза.
	PaymentStatusFailed: {PaymentStatusPaid, PaymentStatusCancelled},
	PaymentStatusPaid:   {PaymentStatusRefunded},
}

// CanTransition сообщает, разрешён ли переход статуса оплаты.
func CanTransition(from, to PaymentStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CheckTransition возвращает InvalidTransitionError для запрещённого перехода.
func CheckTransition(from, to PaymentStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return &InvalidTransitionError{From: from, To: to}
}

// RestoresStock сообщает, возвращает ли переход в статус остаток на склад.
func (s PaymentStatus) RestoresStock() bool {
	return s == PaymentStatusCancelled || s == PaymentStatusRefunded
}

// PaymentMethod описывает способ оплаты, выбранный при оформлении.
type PaymentMethod string

const (
	PaymentMethodCash   PaymentMethod = "cash"
	PaymentMethodCard   PaymentMethod = "card"
	PaymentMethodOnline PaymentMethod = "online"
)

// Valid проверяет способ оплаты.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCash, PaymentMethodCard, PaymentMethodOnline:
		return true
	default:
		return false
	}
}

// CartItem описывает строку корзины от клиента. Цена клиента не принимается.
type CartItem struct {
	ProductID int64
	VariantID int64
	Qty       int32
}

// Key возвращает строку остатка позиции.
func (c CartItem) Key() StockKey {
	return StockKey{ProductID: c.ProductID, VariantID: c.VariantID}
}

// OrderItem представляет одну позицию заказа; неизменяема после создания.
type OrderItem struct {
	ID        int64
	OrderID   string
	ProductID int64
	// VariantID == 0, если у товара нет размеров.
	VariantID int64
	Qty       int32
	// Цена за единицу на момент оформления.
	UnitPriceMinor int64
	CreatedAt      time.Time
}

// Key возвращает строку остатка позиции.
func (i OrderItem) Key() StockKey {
	return StockKey{ProductID: i.ProductID, VariantID: i.VariantID}
}

// Subtotal возвращает стоимость позиции.
func (i OrderItem) Subtotal() int64 {
	return int64(i.Qty) * i.UnitPriceMinor
}

// Order агрегирует заказ и его позиции.
type Order struct {
	ID              string
	UserID          string
	TotalMinor      int64
	PaymentMethod   PaymentMethod
	PaymentStatus   PaymentStatus
	PaymentIntentID string
	Items           []OrderItem
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

var (
	errTotalNegative = errors.New("total_amount must be non-negative")
	errItemQty       = errors.New("item qty must be greater than zero")
	errItemPrice     = errors.New("item price must be non-negative")
	errTotalMismatch = errors.New("order total does not match items sum")
)

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.UserID == "" {
		errs = append(errs, ErrUserRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrEmptyCart)
	}
	if o.TotalMinor < 0 {
		errs = append(errs, errTotalNegative)
	}
	if !o.PaymentMethod.Valid() {
		errs = append(errs, ErrInvalidPaymentMethod)
	}

	// total_amount == Σ unit_price × qty.
	var calc int64
	for _, item := range o.Items {
		if item.Qty <= 0 {
			errs = append(errs, errItemQty)
		}
		if item.UnitPriceMinor < 0 {
			errs = append(errs, errItemPrice)
		}
		calc += item.Subtotal()
	}
	if calc != o.TotalMinor {
		errs = append(errs, errTotalMismatch)
	}

	return errs
}
