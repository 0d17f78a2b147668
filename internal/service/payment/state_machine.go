package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
	"github.com/vladislavdragonenkov/campusstore/internal/metrics"
	"github.com/vladislavdragonenkov/campusstore/internal/service/inventory"
	"github.com/vladislavdragonenkov/campusstore/internal/service/txretry"
)

// SystemActor указывается автором переходов, выполненных фоновыми задачами.
const SystemActor = "system"

// MarkPaidInput описывает подтверждение оплаты от шлюза или администратора.
type MarkPaidInput struct {
	OrderID         string
	TransactionID   string
	AmountMinor     int64
	GatewayResponse []byte
	ActorID         string
}

// MarkFailedInput описывает отказ шлюза. TransactionID необязателен.
type MarkFailedInput struct {
	OrderID         string
	TransactionID   string
	AmountMinor     int64
	Reason          string
	GatewayResponse []byte
	ActorID         string
}

// Result содержит состояние заказа после операции.
type Result struct {
	Order domain.Order
	// Duplicate выставлен, если операция была повтором и ничего не изменила.
	Duplicate bool
}

// StateMachine управляет статусом оплаты заказа и компенсациями склада.
type StateMachine struct {
	store    domain.Store
	ledger   *inventory.Ledger
	notifier domain.Notifier
	retry    txretry.RetryConfig
	metrics  *metrics.StoreMetrics
	logger   *log.Entry
	now      func() time.Time
	newID    func() string
}

// Option настраивает StateMachine.
type Option func(*StateMachine)

func WithNotifier(n domain.Notifier) Option {
	return func(s *StateMachine) { s.notifier = n }
}

func WithRetryConfig(cfg txretry.RetryConfig) Option {
	return func(s *StateMachine) { s.retry = cfg }
}

func WithMetrics(m *metrics.StoreMetrics) Option {
	return func(s *StateMachine) { s.metrics = m }
}

func WithLogger(logger *log.Entry) Option {
	return func(s *StateMachine) { s.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(s *StateMachine) { s.now = now }
}

// NewStateMachine создаёт машину состояний оплаты.
func NewStateMachine(store domain.Store, ledger *inventory.Ledger, opts ...Option) *StateMachine {
	s := &StateMachine{
		store:  store,
		ledger: ledger,
		retry:  txretry.DefaultRetryConfig(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "payment-state-machine")
	}
	return s
}

// MarkPaid фиксирует успешную оплату. Повтор с тем же transaction_id и суммой ничего не меняет.
func (s *StateMachine) MarkPaid(ctx context.Context, in MarkPaidInput) (Result, error) {
	if strings.TrimSpace(in.TransactionID) == "" {
		return Result{}, domain.ErrTransactionIDRequired
	}

	return s.run(ctx, "mark_paid", in.OrderID, func(ctx context.Context, tx domain.Tx) (Result, error) {
		// Транзакцию ищем только под блокировкой заказа: параллельная доставка того же
		// вебхука к этому моменту уже зафиксирована и видна.
		order, err := tx.LockOrder(ctx, in.OrderID)
		if err != nil {
			return Result{}, err
		}
		known, err := findTransaction(ctx, tx, in.TransactionID)
		if err != nil {
			return Result{}, err
		}
		if known != nil {
			if err := matchKnown(*known, in.OrderID, in.AmountMinor); err != nil {
				return Result{}, err
			}
			if known.Status != domain.TransactionCompleted {
				return Result{}, fmt.Errorf("%w: transaction %s already recorded as %s", domain.ErrDuplicateTransaction, known.TransactionID, known.Status)
			}
			return Result{Order: order, Duplicate: true}, nil
		}

		if err := domain.CheckTransition(order.PaymentStatus, domain.PaymentStatusPaid); err != nil {
			return Result{}, err
		}
		if in.AmountMinor != order.TotalMinor {
			return Result{}, fmt.Errorf("%w: paid %d, order total %d", domain.ErrAmountMismatch, in.AmountMinor, order.TotalMinor)
		}
		completed, err := tx.HasCompletedTransaction(ctx, order.ID)
		if err != nil {
			return Result{}, err
		}
		if completed {
			return Result{}, &domain.InvalidTransitionError{From: domain.PaymentStatusPaid, To: domain.PaymentStatusPaid}
		}

		if _, err := tx.InsertTransaction(ctx, domain.PaymentTransaction{
			OrderID:         order.ID,
			TransactionID:   in.TransactionID,
			AmountMinor:     in.AmountMinor,
			Status:          domain.TransactionCompleted,
			GatewayResponse: in.GatewayResponse,
		}); err != nil {
			return Result{}, fmt.Errorf("insert transaction: %w", err)
		}

		intentID := order.PaymentIntentID
		if intentID == "" {
			intentID = in.TransactionID
		}
		order, err = s.transition(ctx, tx, order, domain.PaymentStatusPaid, intentID, in.ActorID, "payment confirmed")
		if err != nil {
			return Result{}, err
		}
		return Result{Order: order}, nil
	})
}

// MarkFailed фиксирует отказ шлюза. Сток не возвращается: заказ можно оплатить повторно или отменить.
func (s *StateMachine) MarkFailed(ctx context.Context, in MarkFailedInput) (Result, error) {
	return s.run(ctx, "mark_failed", in.OrderID, func(ctx context.Context, tx domain.Tx) (Result, error) {
		order, err := tx.LockOrder(ctx, in.OrderID)
		if err != nil {
			return Result{}, err
		}
		if in.TransactionID != "" {
			known, err := findTransaction(ctx, tx, in.TransactionID)
			if err != nil {
				return Result{}, err
			}
			if known != nil {
				if known.OrderID != in.OrderID {
					return Result{}, fmt.Errorf("%w: transaction %s belongs to another order", domain.ErrDuplicateTransaction, in.TransactionID)
				}
				return Result{Order: order, Duplicate: true}, nil
			}
		}

		alreadyFailed := order.PaymentStatus == domain.PaymentStatusFailed
		if !alreadyFailed {
			if err := domain.CheckTransition(order.PaymentStatus, domain.PaymentStatusFailed); err != nil {
				return Result{}, err
			}
		}

		if in.TransactionID != "" {
			if _, err := tx.InsertTransaction(ctx, domain.PaymentTransaction{
				OrderID:         order.ID,
				TransactionID:   in.TransactionID,
				AmountMinor:     in.AmountMinor,
				Status:          domain.TransactionFailed,
				GatewayResponse: in.GatewayResponse,
			}); err != nil {
				return Result{}, fmt.Errorf("insert transaction: %w", err)
			}
		}
		if alreadyFailed {
			return Result{Order: order, Duplicate: true}, nil
		}

		reason := strings.TrimSpace(in.Reason)
		if reason == "" {
			reason = "payment failed"
		}
		order, err = s.transition(ctx, tx, order, domain.PaymentStatusFailed, "", in.ActorID, reason)
		if err != nil {
			return Result{}, err
		}
		return Result{Order: order}, nil
	})
}

// Cancel отменяет неоплаченный заказ и возвращает сток. Повторная отмена ничего не меняет.
func (s *StateMachine) Cancel(ctx context.Context, orderID, actorID, reason string) (Result, error) {
	return s.run(ctx, "cancel", orderID, func(ctx context.Context, tx domain.Tx) (Result, error) {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return Result{}, err
		}
		if order.PaymentStatus == domain.PaymentStatusCancelled {
			return Result{Order: order, Duplicate: true}, nil
		}
		if err := domain.CheckTransition(order.PaymentStatus, domain.PaymentStatusCancelled); err != nil {
			return Result{}, err
		}

		if reason = strings.TrimSpace(reason); reason == "" {
			reason = "order cancelled"
		}
		order, err = s.transition(ctx, tx, order, domain.PaymentStatusCancelled, "", actorID, reason)
		if err != nil {
			return Result{}, err
		}
		if err := s.restoreStock(ctx, tx, order, actorID, "cancel order "+order.ID); err != nil {
			return Result{}, err
		}
		return Result{Order: order}, nil
	})
}

// Refund возвращает деньги по оплаченному заказу и возвращает сток.
func (s *StateMachine) Refund(ctx context.Context, orderID, actorID, reason string) (Result, error) {
	return s.run(ctx, "refund", orderID, func(ctx context.Context, tx domain.Tx) (Result, error) {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return Result{}, err
		}
		if err := domain.CheckTransition(order.PaymentStatus, domain.PaymentStatusRefunded); err != nil {
			return Result{}, err
		}

		if _, err := tx.InsertTransaction(ctx, domain.PaymentTransaction{
			OrderID:       order.ID,
			TransactionID: "refund-" + s.newID(),
			AmountMinor:   order.TotalMinor,
			Status:        domain.TransactionRefunded,
		}); err != nil {
			return Result{}, fmt.Errorf("insert refund transaction: %w", err)
		}

		if reason = strings.TrimSpace(reason); reason == "" {
			reason = "order refunded"
		}
		order, err = s.transition(ctx, tx, order, domain.PaymentStatusRefunded, "", actorID, reason)
		if err != nil {
			return Result{}, err
		}
		if err := s.restoreStock(ctx, tx, order, actorID, "refund order "+order.ID); err != nil {
			return Result{}, err
		}
		return Result{Order: order}, nil
	})
}

// ApplyAdminStatus переводит заказ в статус, выбранный администратором.
// paid от администратора фиксируется ручной транзакцией на сумму заказа.
func (s *StateMachine) ApplyAdminStatus(ctx context.Context, orderID string, target domain.PaymentStatus, reason, actorID string) (Result, error) {
	switch target {
	case domain.PaymentStatusPaid:
		order, err := s.store.GetOrder(ctx, orderID)
		if err != nil {
			return Result{}, err
		}
		return s.MarkPaid(ctx, MarkPaidInput{
			OrderID:       orderID,
			TransactionID: "manual-" + s.newID(),
			AmountMinor:   order.TotalMinor,
			ActorID:       actorID,
		})
	case domain.PaymentStatusFailed:
		return s.MarkFailed(ctx, MarkFailedInput{OrderID: orderID, Reason: reason, ActorID: actorID})
	case domain.PaymentStatusCancelled:
		return s.Cancel(ctx, orderID, actorID, reason)
	case domain.PaymentStatusRefunded:
		return s.Refund(ctx, orderID, actorID, reason)
	case domain.PaymentStatusPending:
		order, err := s.store.GetOrder(ctx, orderID)
		if err != nil {
			return Result{}, err
		}
		return Result{}, &domain.InvalidTransitionError{From: order.PaymentStatus, To: target}
	default:
		return Result{}, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransition, target)
	}
}

func (s *StateMachine) run(ctx context.Context, operation, orderID string, fn func(ctx context.Context, tx domain.Tx) (Result, error)) (Result, error) {
	if strings.TrimSpace(orderID) == "" {
		return Result{}, domain.ErrOrderIDRequired
	}
	logger := s.logger.WithFields(log.Fields{"order_id": orderID, "operation": operation})

	var res Result
	err := txretry.Do(ctx, s.retry, logger, operation, func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			var err error
			res, err = fn(ctx, tx)
			return err
		})
	}, func(int) { s.metrics.RecordConflictRetry(operation) })
	if err != nil {
		if domain.ErrorCode(err) == domain.CodeInternal {
			logger.WithError(err).Error("payment operation failed")
		} else {
			logger.WithError(err).Info("payment operation rejected")
		}
		return Result{}, err
	}

	if res.Duplicate {
		s.metrics.RecordDuplicateWebhook()
		logger.WithField("status", res.Order.PaymentStatus).Info("payment operation was a no-op")
	} else {
		logger.WithField("status", res.Order.PaymentStatus).Info("payment status changed")
	}
	return res, nil
}

// transition меняет статус, пишет историю и планирует уведомления после commit.
func (s *StateMachine) transition(ctx context.Context, tx domain.Tx, order domain.Order, to domain.PaymentStatus, intentID, actorID, reason string) (domain.Order, error) {
	now := s.now()
	if err := tx.UpdatePaymentStatus(ctx, order.ID, to, intentID, now); err != nil {
		return domain.Order{}, fmt.Errorf("update payment status: %w", err)
	}
	if actorID == "" {
		actorID = SystemActor
	}
	if err := tx.AppendStatusChange(ctx, domain.StatusChange{
		OrderID:  order.ID,
		From:     order.PaymentStatus,
		To:       to,
		ActorID:  actorID,
		Reason:   reason,
		Occurred: now,
	}); err != nil {
		return domain.Order{}, fmt.Errorf("append status change: %w", err)
	}

	order.PaymentStatus = to
	if intentID != "" {
		order.PaymentIntentID = intentID
	}
	order.UpdatedAt = now
	order.Version++

	committed := order
	tx.AfterCommit(func() {
		s.metrics.RecordPaymentTransition(string(to))
		if s.notifier == nil {
			return
		}
		payload := domain.NotificationPayload{OrderID: committed.ID, Status: to}
		s.notifier.Publish(domain.ScopeAdmin, domain.NotificationOrderStatusUpdated, payload)
		s.notifier.Publish(domain.UserScope(committed.UserID), domain.NotificationOrderStatusUpdated, payload)
	})
	return order, nil
}

// restoreStock пишет compensating_restore на каждую позицию заказа.
func (s *StateMachine) restoreStock(ctx context.Context, tx domain.Tx, order domain.Order, actorID, reason string) error {
	for _, item := range order.Items {
		if _, err := s.ledger.Apply(ctx, tx, inventory.Movement{
			Key:      item.Key(),
			Type:     domain.MovementCompensatingRestore,
			Quantity: item.Qty,
			Reason:   reason,
			ActorID:  actorID,
			OrderID:  order.ID,
		}); err != nil {
			return fmt.Errorf("restore item %d: %w", item.ID, err)
		}
	}
	return nil
}

func findTransaction(ctx context.Context, tx domain.Tx, transactionID string) (*domain.PaymentTransaction, error) {
	known, err := tx.FindTransaction(ctx, transactionID)
	if errors.Is(err, domain.ErrTransactionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find transaction: %w", err)
	}
	return &known, nil
}

func matchKnown(known domain.PaymentTransaction, orderID string, amount int64) error {
	if known.OrderID != orderID {
		return fmt.Errorf("%w: transaction %s belongs to another order", domain.ErrDuplicateTransaction, known.TransactionID)
	}
	if known.AmountMinor != amount {
		return fmt.Errorf("%w: transaction %s recorded with %d, got %d", domain.ErrAmountMismatch, known.TransactionID, known.AmountMinor, amount)
	}
	return nil
}
