package domain

import (
	"errors"
	"fmt"
)

var (
	// Ошибка пустой корзины.
	ErrEmptyCart = errors.New("cart is empty")
	// Ошибка позиции с несуществующим товаром/размером или некорректным количеством.
	ErrInvalidItem = errors.New("invalid order item")
	// Ошибка отсутствующего идентификатора покупателя.
	ErrUserRequired = errors.New("user_id is required")
	// Ошибка неизвестного способа оплаты.
	ErrInvalidPaymentMethod = errors.New("invalid payment method")
	// Ошибка нехватки остатка на запрошенное количество.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrNegativeStock возвращается, если движение увело бы остаток в минус.
	ErrNegativeStock = errors.New("stock would become negative")
	// Ошибка некорректного типа или количества движения склада.
	ErrInvalidMovement = errors.New("invalid stock movement")
	// ErrStockNotFound возвращается, если строка остатка (товар или размер) не найдена.
	ErrStockNotFound = errors.New("stock row not found")
	// ErrInvalidTransition сигнализирует о переходе, запрещённом таблицей переходов.
	ErrInvalidTransition = errors.New("invalid payment status transition")
	// ErrOrderNotFound возвращается, если заказ не найден в хранилище.
	ErrOrderNotFound = errors.New("order not found")
	// Ошибка отсутствующего идентификатора заказа.
	ErrOrderIDRequired = errors.New("order_id is required")
	// Ошибка несовпадения суммы транзакции с суммой заказа или с ранее записанной.
	ErrAmountMismatch = errors.New("amount mismatch")
	// Ошибка повторного transaction_id, уже привязанного к другому заказу.
	ErrDuplicateTransaction = errors.New("duplicate transaction")
	// ErrTransactionNotFound возвращается, если платёжная транзакция не найдена.
	ErrTransactionNotFound = errors.New("payment transaction not found")
	// Ошибка webhook без transaction_id.
	ErrTransactionIDRequired = errors.New("transaction_id is required")
	// ErrTransactionConflict — deadlock, lock timeout или serialization failure; операцию можно повторить.
	ErrTransactionConflict = errors.New("transaction conflict")
	// ErrNotificationNotFound возвращается, если уведомление не найдено.
	ErrNotificationNotFound = errors.New("notification not found")
	// Ошибка публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	// Ошибка пустого Idempotency-Key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// Ошибка отсутствующего хэша запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// Ошибка повторного использования ключа тем же запросом.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// Ошибка переиспользования ключа с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	// ErrIdempotencyKeyNotFound возвращается, если ключ не найден.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
)

// InsufficientStockError указывает, какой позиции не хватило остатка.
type InsufficientStockError struct {
	ItemIndex int
	Key       StockKey
	Requested int64
	Available int32
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for item %d (%s): requested %d, available %d",
		e.ItemIndex, e.Key, e.Requested, e.Available)
}

// Is позволяет сравнивать через errors.Is(err, ErrInsufficientStock).
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// InvalidItemError описывает некорректную позицию корзины.
type InvalidItemError struct {
	ItemIndex int
	Key       StockKey
	Reason    string
}

func (e *InvalidItemError) Error() string {
	return fmt.Sprintf("invalid item %d (%s): %s", e.ItemIndex, e.Key, e.Reason)
}

func (e *InvalidItemError) Is(target error) bool {
	return target == ErrInvalidItem
}

// NegativeStockError возвращается леджером при попытке увести остаток ниже нуля.
type NegativeStockError struct {
	Key      StockKey
	Previous int32
	Delta    int32
}

func (e *NegativeStockError) Error() string {
	return fmt.Sprintf("stock for %s would become negative: %d %+d", e.Key, e.Previous, e.Delta)
}

func (e *NegativeStockError) Is(target error) bool {
	return target == ErrNegativeStock
}

// InvalidTransitionError описывает запрещённый переход статуса оплаты.
type InvalidTransitionError struct {
	From PaymentStatus
	To   PaymentStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("payment status transition %s -> %s is not allowed", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Стабильные коды ошибок для API.
const (
	CodeEmptyCart            = "empty_cart"
	CodeInvalidItem          = "invalid_item"
	CodeValidation           = "validation_failed"
	CodeInsufficientStock    = "insufficient_stock"
	CodeNegativeStock        = "negative_stock"
	CodeInvalidTransition    = "invalid_transition"
	CodeOrderNotFound        = "order_not_found"
	CodeNotFound             = "not_found"
	CodeAmountMismatch       = "amount_mismatch"
	CodeDuplicateTransaction = "duplicate_transaction"
	CodeTransactionConflict  = "transaction_conflict"
	CodeIdempotencyConflict  = "idempotency_conflict"
	CodeInternal             = "internal"
)

// ErrorCode сопоставляет ошибку стабильному коду API.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyCart):
		return CodeEmptyCart
	case errors.Is(err, ErrInvalidItem), errors.Is(err, ErrStockNotFound):
		return CodeInvalidItem
	case errors.Is(err, ErrUserRequired),
		errors.Is(err, ErrInvalidPaymentMethod),
		errors.Is(err, ErrInvalidMovement),
		errors.Is(err, ErrOrderIDRequired),
		errors.Is(err, ErrTransactionIDRequired):
		return CodeValidation
	case errors.Is(err, ErrInsufficientStock):
		return CodeInsufficientStock
	case errors.Is(err, ErrNegativeStock):
		return CodeNegativeStock
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrOrderNotFound):
		return CodeOrderNotFound
	case errors.Is(err, ErrNotificationNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAmountMismatch):
		return CodeAmountMismatch
	case errors.Is(err, ErrDuplicateTransaction):
		return CodeDuplicateTransaction
	case errors.Is(err, ErrTransactionConflict):
		return CodeTransactionConflict
	case IsIdempotencyConflict(err):
		return CodeIdempotencyConflict
	default:
		return CodeInternal
	}
}

// IsTransactionConflict проверяет, можно ли повторить операцию целиком.
func IsTransactionConflict(err error) bool {
	return errors.Is(err, ErrTransactionConflict)
}

// IsIdempotencyConflict проверяет, что ключ уже занят.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}
