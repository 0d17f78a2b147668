package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

// state — полный снимок данных магазина. Транзакция работает с копией и подменяет её при commit.
type state struct {
	products     map[int64]domain.Product
	variants     map[int64]domain.ProductVariant
	orders       map[string]domain.Order
	movements    []domain.StockMovement
	transactions []domain.PaymentTransaction
	history      map[string][]domain.StatusChange

	nextMovementID int64
	nextItemID     int64
	nextTxnID      int64
}

func newState() *state {
	return &state{
		products: make(map[int64]domain.Product),
		variants: make(map[int64]domain.ProductVariant),
		orders:   make(map[string]domain.Order),
		history:  make(map[string][]domain.StatusChange),
	}
}

func (s *state) clone() *state {
	c := &state{
		products:       make(map[int64]domain.Product, len(s.products)),
		variants:       make(map[int64]domain.ProductVariant, len(s.variants)),
		orders:         make(map[string]domain.Order, len(s.orders)),
		movements:      append([]domain.StockMovement(nil), s.movements...),
		transactions:   append([]domain.PaymentTransaction(nil), s.transactions...),
		history:        make(map[string][]domain.StatusChange, len(s.history)),
		nextMovementID: s.nextMovementID,
		nextItemID:     s.nextItemID,
		nextTxnID:      s.nextTxnID,
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.variants {
		c.variants[k] = v
	}
	// Позиции заказа неизменяемы, поэтому срез Items можно разделять между копиями.
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.history {
		c.history[k] = v[:len(v):len(v)]
	}
	return c
}

func (s *state) hasVariants(productID int64) bool {
	for _, v := range s.variants {
		if v.ProductID == productID {
			return true
		}
	}
	return false
}

// Store реализует domain.Store в памяти для локальной разработки и тестов.
// Транзакции сериализуются одним мьютексом, что эквивалентно уровню serializable.
type Store struct {
	txMu sync.Mutex

	mu sync.RWMutex
	st *state

	now func() time.Time
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{
		st:  newState(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// UpsertProduct добавляет или заменяет товар каталога (каталог ведётся вне ядра).
func (s *Store) UpsertProduct(p domain.Product) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.products[p.ID] = p
}

// UpsertVariant добавляет или заменяет размер товара.
func (s *Store) UpsertVariant(v domain.ProductVariant) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.products[v.ProductID]; !ok {
		return fmt.Errorf("product %d: %w", v.ProductID, domain.ErrStockNotFound)
	}
	s.st.variants[v.ID] = v
	return nil
}

// StockOf возвращает текущий остаток строки.
func (s *Store) StockOf(key domain.StockKey) (int32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if key.HasVariant() {
		v, ok := s.st.variants[key.VariantID]
		if !ok || v.ProductID != key.ProductID {
			return 0, false
		}
		return v.Stock, true
	}
	p, ok := s.st.products[key.ProductID]
	return p.Stock, ok
}

// WithinTx выполняет fn над копией состояния и публикует копию при успехе.
// Хуки AfterCommit запускаются уже после снятия блокировки.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.commit(ctx, fn)
	if err != nil {
		return err
	}
	tx.hooks.Run()
	return nil
}

func (s *Store) commit(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) (*memoryTx, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	work := s.st.clone()
	s.mu.RUnlock()

	tx := &memoryTx{st: work, now: s.now}
	if err := fn(ctx, tx); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.st = work
	s.mu.Unlock()
	return tx, nil
}

func (s *Store) GetOrder(_ context.Context, id string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.st.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

func (s *Store) ListOrderHistory(_ context.Context, orderID string) ([]domain.StatusChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.StatusChange(nil), s.st.history[orderID]...), nil
}

func (s *Store) ListTransactions(_ context.Context, orderID string) ([]domain.PaymentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.PaymentTransaction
	for _, t := range s.st.transactions {
		if t.OrderID == orderID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) ListMovements(_ context.Context, key domain.StockKey) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.StockMovement
	for _, m := range s.st.movements {
		if m.Key() == key {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) ListStockLevels(_ context.Context) ([]domain.StockLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]domain.StockKey, 0)
	for _, m := range s.st.movements {
		keys = append(keys, m.Key())
	}
	keys = domain.SortedUniqueKeys(keys)

	levels := make([]domain.StockLevel, 0, len(keys))
	for _, key := range keys {
		level, err := s.st.level(key)
		if err != nil {
			return nil, err
		}
		levels = append(levels, level)
	}
	return levels, nil
}

func (s *Store) ListStalePending(_ context.Context, before time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stale := make([]domain.Order, 0)
	for _, o := range s.st.orders {
		if o.PaymentStatus == domain.PaymentStatusPending && o.CreatedAt.Before(before) {
			stale = append(stale, o)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	ids := make([]string, 0, len(stale))
	for _, o := range stale {
		ids = append(ids, o.ID)
	}
	return ids, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *state) level(key domain.StockKey) (domain.StockLevel, error) {
	product, ok := s.products[key.ProductID]
	if !ok {
		return domain.StockLevel{}, fmt.Errorf("%s: %w", key, domain.ErrStockNotFound)
	}
	if !key.HasVariant() {
		return domain.StockLevel{
			Key:         key,
			Stock:       product.Stock,
			PriceMinor:  product.BasePriceMinor,
			HasVariants: s.hasVariants(key.ProductID),
		}, nil
	}
	variant, ok := s.variants[key.VariantID]
	if !ok || variant.ProductID != key.ProductID {
		return domain.StockLevel{}, fmt.Errorf("%s: %w", key, domain.ErrStockNotFound)
	}
	return domain.StockLevel{
		Key:        key,
		Stock:      variant.Stock,
		PriceMinor: variant.UnitPrice(product),
	}, nil
}

// memoryTx работает с рабочей копией состояния; блокировки не нужны, транзакция одна.
type memoryTx struct {
	st    *state
	now   func() time.Time
	hooks domain.CommitHooks
}

func (t *memoryTx) LockStock(_ context.Context, key domain.StockKey) (domain.StockLevel, error) {
	return t.st.level(key)
}

func (t *memoryTx) SetStock(_ context.Context, key domain.StockKey, stock int32) error {
	if stock < 0 {
		return &domain.NegativeStockError{Key: key, Previous: stock}
	}
	if key.HasVariant() {
		v, ok := t.st.variants[key.VariantID]
		if !ok || v.ProductID != key.ProductID {
			return fmt.Errorf("%s: %w", key, domain.ErrStockNotFound)
		}
		v.Stock = stock
		t.st.variants[key.VariantID] = v
		return nil
	}
	p, ok := t.st.products[key.ProductID]
	if !ok {
		return fmt.Errorf("%s: %w", key, domain.ErrStockNotFound)
	}
	p.Stock = stock
	t.st.products[key.ProductID] = p
	return nil
}

func (t *memoryTx) InsertMovement(_ context.Context, m domain.StockMovement) (domain.StockMovement, error) {
	t.st.nextMovementID++
	m.ID = t.st.nextMovementID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = t.now()
	}
	t.st.movements = append(t.st.movements, m)
	return m, nil
}

func (t *memoryTx) InsertOrder(_ context.Context, order *domain.Order) error {
	if _, exists := t.st.orders[order.ID]; exists {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	items := make([]domain.OrderItem, len(order.Items))
	for i, item := range order.Items {
		t.st.nextItemID++
		item.ID = t.st.nextItemID
		item.OrderID = order.ID
		items[i] = item
	}
	order.Items = items
	t.st.orders[order.ID] = cloneOrder(*order)
	return nil
}

func (t *memoryTx) LockOrder(_ context.Context, id string) (domain.Order, error) {
	order, ok := t.st.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

func (t *memoryTx) UpdatePaymentStatus(_ context.Context, orderID string, status domain.PaymentStatus, intentID string, at time.Time) error {
	order, ok := t.st.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	order.PaymentStatus = status
	if intentID != "" {
		order.PaymentIntentID = intentID
	}
	order.UpdatedAt = at
	order.Version++
	t.st.orders[orderID] = order
	return nil
}

func (t *memoryTx) AppendStatusChange(_ context.Context, change domain.StatusChange) error {
	t.st.history[change.OrderID] = append(t.st.history[change.OrderID], change)
	return nil
}

func (t *memoryTx) FindTransaction(_ context.Context, transactionID string) (domain.PaymentTransaction, error) {
	for _, txn := range t.st.transactions {
		if txn.TransactionID == transactionID {
			return txn, nil
		}
	}
	return domain.PaymentTransaction{}, domain.ErrTransactionNotFound
}

func (t *memoryTx) HasCompletedTransaction(_ context.Context, orderID string) (bool, error) {
	for _, txn := range t.st.transactions {
		if txn.OrderID == orderID && txn.Status == domain.TransactionCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) InsertTransaction(_ context.Context, txn domain.PaymentTransaction) (domain.PaymentTransaction, error) {
	for _, existing := range t.st.transactions {
		if existing.TransactionID == txn.TransactionID {
			return domain.PaymentTransaction{}, domain.ErrDuplicateTransaction
		}
	}
	t.st.nextTxnID++
	txn.ID = t.st.nextTxnID
	now := t.now()
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = now
	}
	txn.UpdatedAt = now
	txn.GatewayResponse = append([]byte(nil), txn.GatewayResponse...)
	t.st.transactions = append(t.st.transactions, txn)
	return txn, nil
}

func (t *memoryTx) AfterCommit(fn func()) {
	t.hooks.Add(fn)
}

func cloneOrder(src domain.Order) domain.Order {
	dst := src
	dst.Items = append([]domain.OrderItem(nil), src.Items...)
	return dst
}

var _ domain.Store = (*Store)(nil)
