package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		conflict bool
	}{
		{name: "deadlock", err: &pgconn.PgError{Code: pgDeadlockDetected}, conflict: true},
		{name: "serialization", err: fmt.Errorf("lock stock: %w", &pgconn.PgError{Code: pgSerializationFailure}), conflict: true},
		{name: "lock timeout", err: &pgconn.PgError{Code: pgLockNotAvailable}, conflict: true},
		{name: "check violation", err: &pgconn.PgError{Code: pgCheckViolation}},
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
