package domain

import (
	"context"
	"time"
)

// Store — транзакционное хранилище ядра магазина.
// Все изменения остатков, заказов и платежей выполняются внутри WithinTx.
type Store interface {
	// WithinTx открывает транзакцию, вызывает fn и фиксирует её, если fn вернула nil.
	// Хуки AfterCommit вызываются только после успешного commit.
	// Deadlock/lock timeout возвращаются как ErrTransactionConflict.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetOrder(ctx context.Context, id string) (Order, error)
	ListOrderHistory(ctx context.Context, orderID string) ([]StatusChange, error)
	ListTransactions(ctx context.Context, orderID string) ([]PaymentTransaction, error)
	// ListMovements возвращает журнал строки остатка в порядке (created_at, id).
	ListMovements(ctx context.Context, key StockKey) ([]StockMovement, error)
	// ListStockLevels возвращает все строки остатка, по которым есть движения.
	ListStockLevels(ctx context.Context) ([]StockLevel, error)
	// ListStalePending возвращает id заказов в pending, созданных раньше before.
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]string, error)
	Ping(ctx context.Context) error
}

// Tx объединяет операции внутри одной транзакции хранилища.
type Tx interface {
	// LockStock блокирует строку остатка (SELECT ... FOR UPDATE) и возвращает остаток и цену.
	// Вызывающий обязан блокировать ключи в порядке StockKey.Less.
	LockStock(ctx context.Context, key StockKey) (StockLevel, error)
	SetStock(ctx context.Context, key StockKey, stock int32) error
	InsertMovement(ctx context.Context, m StockMovement) (StockMovement, error)

	// InsertOrder сохраняет заказ с позициями и проставляет ID позиций.
	InsertOrder(ctx context.Context, order *Order) error
	// LockOrder блокирует заказ и возвращает его вместе с позициями.
	LockOrder(ctx context.Context, id string) (Order, error)
	UpdatePaymentStatus(ctx context.Context, orderID string, status PaymentStatus, intentID string, at time.Time) error
	AppendStatusChange(ctx context.Context, change StatusChange) error

	// FindTransaction ищет транзакцию по transaction_id шлюза, ErrTransactionNotFound если нет.
	FindTransaction(ctx context.Context, transactionID string) (PaymentTransaction, error)
	HasCompletedTransaction(ctx context.Context, orderID string) (bool, error)
	InsertTransaction(ctx context.Context, t PaymentTransaction) (PaymentTransaction, error)

	AfterCommit(fn func())
}

// Notifier публикует события изменения состояния. Реализация не блокирует вызывающего
// и не возвращает ошибок: доставка best-effort.
type Notifier interface {
	Publish(scope Scope, t NotificationType, payload NotificationPayload)
}

// NotificationRepository хранит уведомления для списка и отметки о прочтении.
type NotificationRepository interface {
	Save(ctx context.Context, n Notification) error
	List(ctx context.Context, scope Scope, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, scope Scope, id string) error
}

// OutboxPublisher публикует события из outbox во внешний брокер.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
	// DeleteStaleProcessing освобождает ключи, застрявшие в processing дольше аренды.
	DeleteStaleProcessing(ctx context.Context, updatedBefore time.Time, limit int) (int, error)
}

// CommitHooks копит функции, которые нужно вызвать после успешного commit.
type CommitHooks struct {
	fns []func()
}

// Add регистрирует хук.
func (h *CommitHooks) Add(fn func()) {
	if fn != nil {
		h.fns = append(h.fns, fn)
	}
}

// Run вызывает хуки в порядке регистрации и очищает список.
func (h *CommitHooks) Run() {
	fns := h.fns
	h.fns = nil
	for _, fn := range fns {
		fn()
	}
}
