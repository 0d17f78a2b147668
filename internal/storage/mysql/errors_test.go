package mysql

import (
	"errors"
	"fmt"
	"testing"

	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		conflict bool
	}{
		{name: "deadlock", err: &mysqldriver.MySQLError{Number: errDeadlock}, conflict: true},
		{name: "lock wait timeout", err: fmt.Errorf("lock stock: %w", &mysqldriver.MySQLError{Number: errLockWaitTimeout}), conflict: true},
		{name: "nowait", err: &mysqldriver.MySQLError{Number: errLockNowaitFailed}, conflict: true},
		{name: "duplicate", err: &mysqldriver.MySQLError{Number: errDuplicateEntry}},
		{name: "domain error", err: domain.ErrOrderNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped := mapError(tt.err)
			if got := domain.IsTransactionConflict(mapped); got != tt.conflict {
				t.Fatalf("IsTransactionConflict = %v, want %v (err=%v)", got, tt.conflict, mapped)
			}
			if !errors.Is(mapped, tt.err) {
				t.Fatalf("mapped error must keep the original in the chain: %v", mapped)
			}
		})
	}

	if mapError(nil) != nil {
		t.Fatal("nil must stay nil")
	}
}

func TestErrorNumber(t *testing.T) {
	if got := errorNumber(fmt.Errorf("wrap: %w", &mysqldriver.MySQLError{Number: errCheckConstraint})); got != errCheckConstraint {
		t.Fatalf("expected %d, got %d", errCheckConstraint, got)
	}
	if got := errorNumber(errors.New("plain")); got != 0 {
		t.Fatalf("expected 0 for non-mysql error, got %d", got)
	}
}

func TestModelsCoverAllTables(t *testing.T) {
	want := map[string]bool{
		"products": true, "product_sizes": true, "orders": true, "order_items": true,
		"stock_movements": true, "order_status_events": true, "payment_transactions": true,
		"notifications": true, "outbox_messages": true, "idempotency_keys": true,
	}
	for _, model := range allModels() {
		tabler, ok := model.(interface{ TableName() string })
		if !ok {
			t.Fatalf("model %T must declare a table name", model)
		}
		if !want[tabler.TableName()] {
			t.Fatalf("unexpected table %s", tabler.TableName())
		}
		delete(want, tabler.TableName())
	}
	if len(want) != 0 {
		t.Fatalf("tables without a model: %v", want)
	}
}

func TestRowConversions(t *testing.T) {
	gateway := `{"ok":true}`
	txn := paymentTransactionRow{ID: 1, OrderID: "o1", TransactionID: "gw-1", AmountMinor: 900, Status: "completed", GatewayResponse: &gateway}.toDomain()
	if txn.Status != domain.TransactionCompleted || string(txn.GatewayResponse) != gateway {
		t.Fatalf("unexpected transaction: %+v", txn)
	}

	status := 201
	rec := idempotencyRow{Key: "k", RequestHash: "h", Status: "done", HTTPStatus: &status, ResponseBody: []byte("{}")}.toDomain()
	if !rec.Replayable() || rec.HTTPStatus != 201 {
		t.Fatalf("expected replayable record, got %+v", rec)
	}

	order := orderRow{ID: "o1", PaymentStatus: "pending", PaymentMethod: "cash"}.toDomain([]orderItemRow{{ID: 7, OrderID: "o1", Qty: 2, UnitPriceMinor: 450}})
	if len(order.Items) != 1 || order.Items[0].Subtotal() != 900 {
		t.Fatalf("unexpected order: %+v", order)
	}
}
