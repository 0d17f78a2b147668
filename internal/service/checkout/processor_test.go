package checkout

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
	"github.com/vladislavdragonenkov/campusstore/internal/service/inventory"
	"github.com/vladislavdragonenkov/campusstore/internal/service/txretry"
	"github.com/vladislavdragonenkov/campusstore/internal/storage/memory"
)

type notice struct {
	scope domain.Scope
	typ   domain.NotificationType
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notice
}

func (n *recordingNotifier) Publish(scope domain.Scope, typ domain.NotificationType, _ domain.NotificationPayload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notice{scope: scope, typ: typ})
}

func (n *recordingNotifier) count(typ domain.NotificationType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.typ == typ {
			c++
		}
	}
	return c
}

var (
	uniformM  = domain.StockKey{ProductID: 1, VariantID: 11}
	uniformXL = domain.StockKey{ProductID: 1, VariantID: 12}
	lanyard   = domain.StockKey{ProductID: 2}
)

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	xlPrice := int64(500)
	store.UpsertProduct(domain.Product{ID: 1, Name: "Uniform A", BasePriceMinor: 450})
	store.UpsertProduct(domain.Product{ID: 2, Name: "Lanyard", BasePriceMinor: 80, Stock: 10})
	require.NoError(t, store.UpsertVariant(domain.ProductVariant{ID: 11, ProductID: 1, Size: "M", Stock: 5}))
	require.NoError(t, store.UpsertVariant(domain.ProductVariant{ID: 12, ProductID: 1, Size: "XL", Stock: 2, PriceOverrideMinor: &xlPrice}))
	return store
}

func newProcessor(store domain.Store, opts ...Option) *Processor {
	ledger := inventory.NewLedger(inventory.WithLowStockThreshold(0))
	opts = append([]Option{WithRetryConfig(txretry.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2})}, opts...)
	return NewProcessor(store, ledger, opts...)
}

func TestCreateOrder_ReservesStockAtCreation(t *testing.T) {
	store := newStore(t)
	notifier := &recordingNotifier{}
	p := newProcessor(store, WithNotifier(notifier))
	ctx := context.Background()

	res, err := p.CreateOrder(ctx, CreateOrderInput{
		UserID:        "student-1",
		Items:         []domain.CartItem{{ProductID: 1, VariantID: 11, Qty: 2}},
		PaymentMethod: domain.PaymentMethodCash,
	})
	require.NoError(t, err)
	require.Equal(t, int64(900), res.TotalMinor)
	require.NotEmpty(t, res.OrderID)

	stock, _ := store.StockOf(uniformM)
	require.Equal(t, int32(3), stock)

	movements, err := store.ListMovements(ctx, uniformM)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	require.Equal(t, domain.MovementStockOut, movements[0].Type)
	require.Equal(t, int32(5), movements[0].PreviousStock)
	require.Equal(t, int32(3), movements[0].NewStock)
	require.Equal(t, res.OrderID, movements[0].OrderID)

	details, err := p.Details(ctx, res.OrderID)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusPending, details.Order.PaymentStatus)
	require.Len(t, details.Order.Items, 1)
	require.Equal(t, int64(450), details.Order.Items[0].UnitPriceMinor)
	require.Len(t, details.History, 1)
	require.Equal(t, domain.PaymentStatusPending, details.History[0].To)

	require.Equal(t, 2, notifier.count(domain.NotificationNewOrder))
}

func TestCreateOrder_TotalIsSumOfServerPrices(t *testing.T) {
	store := newStore(t)
	p := newProcessor(store)

	res, err := p.CreateOrder(context.Background(), CreateOrderInput{
		UserID: "student-1",
		Items: []domain.CartItem{
			{ProductID: 1, VariantID: 11, Qty: 1},
			{ProductID: 1, VariantID: 12, Qty: 2},
			{ProductID: 2, Qty: 3},
		},
		PaymentMethod: domain.PaymentMethodOnline,
	})
	require.NoError(t, err)
	// 450 + 2*500 + 3*80
	require.Equal(t, int64(1690), res.TotalMinor)

	var sum int64
	for _, item := range res.Order.Items {
		sum += item.Subtotal()
	}
	require.Equal(t, res.TotalMinor, sum)
}

func TestCreateOrder_HugeQuantitiesDoNotWrap(t *testing.T) {
	store := newStore(t)
	p := newProcessor(store)

	_, err := p.CreateOrder(context.Background(), CreateOrderInput{
		UserID: "student-1",
		Items: []domain.CartItem{
			{ProductID: 2, Qty: math.MaxInt32},
			{ProductID: 2, Qty: math.MaxInt32},
		},
		PaymentMethod: domain.PaymentMethodCash,
	})
	var shortage *domain.InsufficientStockError
	require.ErrorAs(t, err, &shortage)
	require.NotErrorIs(t, err, domain.ErrNegativeStock)
	require.Equal(t, lanyard, shortage.Key)
	require.Equal(t, int64(2*math.MaxInt32), shortage.Requested)
	require.Equal(t, int32(10), shortage.Available)

	stock, _ := store.StockOf(lanyard)
	require.Equal(t, int32(10), stock)
}

func TestCreateOrder_InsufficientStockLeavesNoTrace(t *testing.T) {
	store := newStore(t)
	p := newProcessor(store)
	ctx := context.Background()

	_, err := p.CreateOrder(ctx, CreateOrderInput{
		UserID: "student-1",
		Items: []domain.CartItem{
			{ProductID: 2, Qty: 1},
			{ProductID: 1, VariantID: 12, Qty: 3},
		},
		PaymentMethod: domain.PaymentMethodCash,
	})
	var shortage *domain.InsufficientStockError
	require.ErrorAs(t, err, &shortage)
	require.Equal(t, 1, shortage.ItemIndex)
	require.Equal(t, uniformXL, shortage.Key)
	require.Equal(t, int64(3), shortage.Requested)
	require.Equal(t, int32(2), shortage.Available)

	for _, key := range []domain.StockKey{lanyard, uniformXL} {
		movements, err := store.ListMovements(ctx, key)
		require.NoError(t, err)
		require.Empty(t, movements, "no movement expected for %s", key)
	}
	stock, _ := store.StockOf(lanyard)
	require.Equal(t, int32(10), stock)
}

func TestCreateOrder_AggregatesDuplicateLines(t *testing.T) {
	store := newStore(t)
	p := newProcessor(store)

	_, err := p.CreateOrder(context.Background(), CreateOrderInput{
		UserID: "student-1",
		Items: []domain.CartItem{
			{ProductID: 1, VariantID: 11, Qty: 3},
			{ProductID: 1, VariantID: 11, Qty: 3},
		},
		PaymentMethod: domain.PaymentMethodCash,
	})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	res, err := p.CreateOrder(context.Background(), CreateOrderInput{
		UserID: "student-1",
		Items: []domain.CartItem{
			{ProductID: 1, VariantID: 11, Qty: 2},
			{ProductID: 1, VariantID: 11, Qty: 3},
		},
		PaymentMethod: domain.PaymentMethodCash,
	})
	require.NoError(t, err)
	require.Len(t, res.Order.Items, 2)
	stock, _ := store.StockOf(uniformM)
	require.Equal(t, int32(0), stock)
}

func TestCreateOrder_ValidationErrors(t *testing.T) {
	store := newStore(t)
	p := newProcessor(store)

	cases := []struct {
		name string
		in   CreateOrderInput
		want error
	}{
		{name: "empty cart", in: CreateOrderInput{UserID: "u", PaymentMethod: domain.PaymentMethodCash}, want: domain.ErrEmptyCart},
		{name: "no user", in: CreateOrderInput{Items: []domain.CartItem{{ProductID: 2, Qty: 1}}, PaymentMethod: domain.PaymentMethodCash}, want: domain.ErrUserRequired},
		{name: "bad method", in: CreateOrderInput{UserID: "u", Items: []domain.CartItem{{ProductID: 2, Qty: 1}}, PaymentMethod: "barter"}, want: domain.ErrInvalidPaymentMethod},
		{name: "zero qty", in: CreateOrderInput{UserID: "u", Items: []domain.CartItem{{ProductID: 2, Qty: 0}}, PaymentMethod: domain.PaymentMethodCash}, want: domain.ErrInvalidItem},
		{name: "unknown product", in: CreateOrderInput{UserID: "u", Items: []domain.CartItem{{ProductID: 99, Qty: 1}}, PaymentMethod: domain.PaymentMethodCash}, want: domain.ErrInvalidItem},
		{name: "foreign variant", in: CreateOrderInput{UserID: "u", Items: []domain.CartItem{{ProductID: 2, VariantID: 11, Qty: 1}}, PaymentMethod: domain.PaymentMethodCash}, want: domain.ErrInvalidItem},
		{name: "size required", in: CreateOrderInput{UserID: "u", Items: []domain.CartItem{{ProductID: 1, Qty: 1}}, PaymentMethod: domain.PaymentMethodCash}, want: domain.ErrInvalidItem},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.CreateOrder(context.Background(), tc.in)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	stock, _ := store.StockOf(uniformM)
	if stock != 5 {
		t.Fatalf("validation failures must not touch stock, got %d", stock)
	}
}

func TestCreateOrder_LastUnitRace(t *testing.T) {
	store := memory.NewStore()
	store.UpsertProduct(domain.Product{ID: 1, Name: "Uniform A", BasePriceMinor: 450})
	require.NoError(t, store.UpsertVariant(domain.ProductVariant{ID: 11, ProductID: 1, Size: "M", Stock: 1}))
	p := newProcessor(store)

	const buyers = 20
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		shortages atomic.Int32
		others    atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := p.CreateOrder(context.Background(), CreateOrderInput{
				UserID:        fmt.Sprintf("student-%d", i),
				Items:         []domain.CartItem{{ProductID: 1, VariantID: 11, Qty: 1}},
				PaymentMethod: domain.PaymentMethodCash,
			})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				shortages.Add(1)
			default:
				others.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	require.Equal(t, int32(1), succeeded.Load())
	require.Equal(t, int32(buyers-1), shortages.Load())
	require.Zero(t, others.Load())

	stock, _ := store.StockOf(uniformM)
	require.Equal(t, int32(0), stock)
	movements, err := store.ListMovements(context.Background(), uniformM)
	require.NoError(t, err)
	require.Len(t, movements, 1)
}

// conflictingStore возвращает ErrTransactionConflict на первых n транзакциях.
type conflictingStore struct {
	*memory.Store
	remaining atomic.Int32
	calls     atomic.Int32
}

func (s *conflictingStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	s.calls.Add(1)
	if s.remaining.Add(-1) >= 0 {
		return fmt.Errorf("deadlock detected: %w", domain.ErrTransactionConflict)
	}
	return s.Store.WithinTx(ctx, fn)
}

func TestCreateOrder_RetriesTransactionConflict(t *testing.T) {
	store := &conflictingStore{Store: newStore(t)}
	store.remaining.Store(2)
	p := newProcessor(store)

	res, err := p.CreateOrder(context.Background(), CreateOrderInput{
		UserID:        "student-1",
		Items:         []domain.CartItem{{ProductID: 2, Qty: 1}},
		PaymentMethod: domain.PaymentMethodCard,
	})
	require.NoError(t, err)
	require.Equal(t, int64(80), res.TotalMinor)
	require.Equal(t, int32(3), store.calls.Load())
}

func TestCreateOrder_SurfacesPersistentConflict(t *testing.T) {
	store := &conflictingStore{Store: newStore(t)}
	store.remaining.Store(10)
	p := newProcessor(store)

	_, err := p.CreateOrder(context.Background(), CreateOrderInput{
		UserID:        "student-1",
		Items:         []domain.CartItem{{ProductID: 2, Qty: 1}},
		PaymentMethod: domain.PaymentMethodCard,
	})
	require.ErrorIs(t, err, domain.ErrTransactionConflict)
	require.Equal(t, int32(3), store.calls.Load())
}

func TestDetails_NotFound(t *testing.T) {
	p := newProcessor(newStore(t))
	_, err := p.Details(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
	_, err = p.Details(context.Background(), " ")
	require.ErrorIs(t, err, domain.ErrOrderIDRequired)
}
