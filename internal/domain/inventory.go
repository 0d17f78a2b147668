package domain

import (
	"fmt"
	"math"
	"time"
)

// MovementType описывает причину изменения остатка.
type MovementType string

const (
	// Поступление (restock).
	MovementStockIn MovementType = "stock_in"
	// Списание под заказ.
	MovementStockOut MovementType = "stock_out"
	// Ручная корректировка со знаком.
	MovementAdjustment MovementType = "adjustment"
	// Возврат остатка при отмене или возврате заказа.
	MovementCompensatingRestore MovementType = "compensating_restore"
)

// Valid проверяет, что тип движения поддерживается.
func (t MovementType) Valid() bool {
	switch t {
	case MovementStockIn, MovementStockOut, MovementAdjustment, MovementCompensatingRestore:
		return true
	default:
		return false
	}
}

// SignedDelta переводит количество движения в изменение остатка.
// Для adjustment qty уже несёт знак, для остальных типов должен быть > 0.
func SignedDelta(t MovementType, qty int32) (int32, error) {
	switch t {
	case MovementStockIn, MovementCompensatingRestore:
		if qty <= 0 {
			return 0, fmt.Errorf("%w: %s quantity must be positive", ErrInvalidMovement, t)
		}
		return qty, nil
	case MovementStockOut:
		if qty <= 0 {
			return 0, fmt.Errorf("%w: %s quantity must be positive", ErrInvalidMovement, t)
		}
		return -qty, nil
	case MovementAdjustment:
		if qty == 0 {
			return 0, fmt.Errorf("%w: adjustment must be non-zero", ErrInvalidMovement)
		}
		if qty == math.MinInt32 {
			return 0, fmt.Errorf("%w: adjustment %d is out of range", ErrInvalidMovement, qty)
		}
		return qty, nil
	default:
		return 0, fmt.Errorf("%w: unknown type %q", ErrInvalidMovement, t)
	}
}

// StockMovement описывает неизменяемую запись журнала остатков.
type StockMovement struct {
	ID            int64
	ProductID     int64
	VariantID     int64
	Type          MovementType
	Quantity      int32
	Delta         int32
	PreviousStock int32
	NewStock      int32
	Reason        string
	ActorID       string
	OrderID       string
	CreatedAt     time.Time
}

// Key возвращает строку остатка, к которой относится движение.
func (m StockMovement) Key() StockKey {
	return StockKey{ProductID: m.ProductID, VariantID: m.VariantID}
}

// ChainBreakError сообщает о разрыве цепочки previous/new в журнале движений.
type ChainBreakError struct {
	Key        StockKey
	MovementID int64
	Expected   int32
	Got        int32
}

func (e *ChainBreakError) Error() string {
	return fmt.Sprintf("movement chain broken for %s at movement %d: expected %d, got %d",
		e.Key, e.MovementID, e.Expected, e.Got)
}

// ReplayMovements проигрывает журнал одной строки остатка (в порядке created_at, id)
// и возвращает итоговый остаток. Начальный остаток берётся из первого движения.
func ReplayMovements(movements []StockMovement) (int32, error) {
	if len(movements) == 0 {
		return 0, nil
	}

	current := movements[0].PreviousStock
	for _, m := range movements {
		if m.PreviousStock != current {
			return current, &ChainBreakError{Key: m.Key(), MovementID: m.ID, Expected: current, Got: m.PreviousStock}
		}
		if m.PreviousStock+m.Delta != m.NewStock {
			return current, &ChainBreakError{Key: m.Key(), MovementID: m.ID, Expected: m.PreviousStock + m.Delta, Got: m.NewStock}
		}
		if m.NewStock < 0 {
			return current, &NegativeStockError{Key: m.Key(), Previous: m.PreviousStock, Delta: m.Delta}
		}
		current = m.NewStock
	}
	return current, nil
}
