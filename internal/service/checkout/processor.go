package checkout

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

// CreateOrderInput содержит корзину покупателя. Цены берутся только из хранилища.
type CreateOrderInput struct {
	UserID        string
	Items         []domain.CartItem
	PaymentMethod domain.PaymentMethod
}

// CreateOrderResult содержит результат успешного оформления.
type CreateOrderResult struct {
	OrderID    string
	TotalMinor int64
	Order      domain.Order
}

// OrderDetails содержит заказ с историей статусов и платёжными транзакциями.
type OrderDetails struct {
	Order        domain.Order
	History      []domain.StatusChange
	Transactions []domain.PaymentTransaction
}

// Processor превращает корзину в заказ без перепродажи остатков.
type Processor struct {
	store    domain.Store
	ledger   *inventory.Ledger
	notifier domain.Notifier
	retry    txretry.RetryConfig
	metrics  *metrics.StoreMetrics
	logger   *log.Entry
	now      func() time.Time
	newID    func() string
}

// Option настраивает Processor.
type Option func(*Processor)

func WithNotifier(n domain.Notifier) Option {
	return func(p *Processor) { p.notifier = n }
}

func WithRetryConfig(cfg txretry.RetryConfig) Option {
	return func(p *Processor) { p.retry = cfg }
}

func WithMetrics(m *metrics.StoreMetrics) Option {
	return func(p *Processor) { p.metrics = m }
}

func WithLogger(logger *log.Entry) Option {
	return func(p *Processor) { p.logger = logger }
}

// WithClock подменяет источник времени (тесты).
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithIDGenerator подменяет генерацию id заказа (тесты).
func WithIDGenerator(newID func() string) Option {
	return func(p *Processor) { p.newID = newID }
}

// NewProcessor создаёт обработчик оформления заказов.
func NewProcessor(store domain.Store, ledger *inventory.Ledger, opts ...Option) *Processor {
	p := &Processor{
		store:  store,
		ledger: ledger,
		retry:  txretry.DefaultRetryConfig(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = log.WithField("component", "checkout")
	}
	return p
}

// CreateOrder проверяет корзину, блокирует остатки, создаёт заказ и списывает сток в одной транзакции.
// Частичных заказов не бывает: любая нехватка откатывает транзакцию целиком.
func (p *Processor) CreateOrder(ctx context.Context, in CreateOrderInput) (CreateOrderResult, error) {
	started := time.Now()
	logger := p.logger.WithField("user_id", in.UserID)

	if err := validateInput(in); err != nil {
		p.metrics.RecordCheckoutRejected(domain.ErrorCode(err), time.Since(started))
		return CreateOrderResult{}, err
	}

	var order domain.Order
	err := txretry.Do(ctx, p.retry, logger, "checkout", func(ctx context.Context) error {
		var err error
		order, err = p.createInTx(ctx, in)
		return err
	}, func(int) { p.metrics.RecordConflictRetry("checkout") })
	if err != nil {
		p.metrics.RecordCheckoutRejected(domain.ErrorCode(err), time.Since(started))
		if domain.ErrorCode(err) == domain.CodeInternal {
			logger.WithError(err).Error("checkout failed")
		} else {
			logger.WithError(err).Info("checkout rejected")
		}
		return CreateOrderResult{}, err
	}

	p.metrics.RecordOrderCreated(time.Since(started))
	logger.WithFields(log.Fields{
		"order_id":    order.ID,
		"total_minor": order.TotalMinor,
		"items":       len(order.Items),
	}).Info("order created")

	return CreateOrderResult{OrderID: order.ID, TotalMinor: order.TotalMinor, Order: order}, nil
}

func (p *Processor) createInTx(ctx context.Context, in CreateOrderInput) (domain.Order, error) {
	var created domain.Order

	err := p.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		levels, err := lockLines(ctx, tx, in.Items)
		if err != nil {
			return err
		}
		if err := checkAvailability(in.Items, levels); err != nil {
			return err
		}

		now := p.now()
		order := domain.Order{
			ID:            p.newID(),
			UserID:        in.UserID,
			PaymentMethod: in.PaymentMethod,
			PaymentStatus: domain.PaymentStatusPending,
			Items:         make([]domain.OrderItem, 0, len(in.Items)),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		for _, line := range in.Items {
			item := domain.OrderItem{
				ProductID:      line.ProductID,
				VariantID:      line.VariantID,
				Qty:            line.Qty,
				UnitPriceMinor: levels[line.Key()].PriceMinor,
				CreatedAt:      now,
			}
			order.TotalMinor += item.Subtotal()
			order.Items = append(order.Items, item)
		}
		if errs := order.ValidateInvariants(); len(errs) > 0 {
			return fmt.Errorf("order invariants: %w", errors.Join(errs...))
		}

		if err := tx.InsertOrder(ctx, &order); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for _, item := range order.Items {
			if _, err := p.ledger.Apply(ctx, tx, inventory.Movement{
				Key:      item.Key(),
				Type:     domain.MovementStockOut,
				Quantity: item.Qty,
				Reason:   "order " + order.ID,
				ActorID:  order.UserID,
				OrderID:  order.ID,
			}); err != nil {
				return err
			}
		}

		if err := tx.AppendStatusChange(ctx, domain.StatusChange{
			OrderID:  order.ID,
			To:       domain.PaymentStatusPending,
			ActorID:  order.UserID,
			Reason:   "order created",
			Occurred: now,
		}); err != nil {
			return fmt.Errorf("append status change: %w", err)
		}

		tx.AfterCommit(func() { p.publishCreated(order) })
		created = order
		return nil
	})

	return created, err
}

// lockLines блокирует строки остатков в глобальном порядке StockKey.Less.
func lockLines(ctx context.Context, tx domain.Tx, items []domain.CartItem) (map[domain.StockKey]domain.StockLevel, error) {
	firstIndex := make(map[domain.StockKey]int, len(items))
	keys := make([]domain.StockKey, 0, len(items))
	for i, item := range items {
		if _, ok := firstIndex[item.Key()]; !ok {
			firstIndex[item.Key()] = i
		}
		keys = append(keys, item.Key())
	}

	levels := make(map[domain.StockKey]domain.StockLevel, len(keys))
	for _, key := range domain.SortedUniqueKeys(keys) {
		level, err := tx.LockStock(ctx, key)
		if errors.Is(err, domain.ErrStockNotFound) {
			return nil, &domain.InvalidItemError{ItemIndex: firstIndex[key], Key: key, Reason: "unknown product or size"}
		}
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if level.HasVariants && !key.HasVariant() {
			return nil, &domain.InvalidItemError{ItemIndex: firstIndex[key], Key: key, Reason: "size is required for this product"}
		}
		levels[key] = level
	}
	return levels, nil
}

// checkAvailability сверяет суммарное запрошенное количество по строке с остатком.
// Сумма считается в int64: несколько строк с большим qty не должны переполниться.
func checkAvailability(items []domain.CartItem, levels map[domain.StockKey]domain.StockLevel) error {
	requested := make(map[domain.StockKey]int64, len(items))
	for _, item := range items {
		requested[item.Key()] += int64(item.Qty)
	}
	for i, item := range items {
		level := levels[item.Key()]
		if requested[item.Key()] > int64(level.Stock) {
			return &domain.InsufficientStockError{
				ItemIndex: i,
				Key:       item.Key(),
				Requested: requested[item.Key()],
				Available: level.Stock,
			}
		}
	}
	return nil
}

func validateInput(in CreateOrderInput) error {
	if strings.TrimSpace(in.UserID) == "" {
		return domain.ErrUserRequired
	}
	if len(in.Items) == 0 {
		return domain.ErrEmptyCart
	}
	if !in.PaymentMethod.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidPaymentMethod, in.PaymentMethod)
	}
	for i, item := range in.Items {
		switch {
		case item.ProductID <= 0:
			return &domain.InvalidItemError{ItemIndex: i, Key: item.Key(), Reason: "product_id is required"}
		case item.VariantID < 0:
			return &domain.InvalidItemError{ItemIndex: i, Key: item.Key(), Reason: "variant_id must be positive"}
		case item.Qty <= 0:
			return &domain.InvalidItemError{ItemIndex: i, Key: item.Key(), Reason: "quantity must be positive"}
		}
	}
	return nil
}

func (p *Processor) publishCreated(order domain.Order) {
	if p.notifier == nil {
		return
	}
	payload := domain.NotificationPayload{OrderID: order.ID, Status: order.PaymentStatus}
	p.notifier.Publish(domain.ScopeAdmin, domain.NotificationNewOrder, payload)
	p.notifier.Publish(domain.UserScope(order.UserID), domain.NotificationNewOrder, payload)
}

// Details возвращает заказ с историей и транзакциями.
func (p *Processor) Details(ctx context.Context, orderID string) (OrderDetails, error) {
	if strings.TrimSpace(orderID) == "" {
		return OrderDetails{}, domain.ErrOrderIDRequired
	}
	order, err := p.store.GetOrder(ctx, orderID)
	if err != nil {
		return OrderDetails{}, err
	}
	history, err := p.store.ListOrderHistory(ctx, orderID)
	if err != nil {
		return OrderDetails{}, fmt.Errorf("list history: %w", err)
	}
	txns, err := p.store.ListTransactions(ctx, orderID)
	if err != nil {
		return OrderDetails{}, fmt.Errorf("list transactions: %w", err)
	}
	return OrderDetails{Order: order, History: history, Transactions: txns}, nil
}
