package inventory

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
	"github.com/vladislavdragonenkov/campusstore/internal/metrics"
	"github.com/vladislavdragonenkov/campusstore/internal/service/txretry"
)

// RestockInput описывает поступление товара на склад.
type RestockInput struct {
	Key      domain.StockKey
	Quantity int32
	Reason   string
	ActorID  string
}

// AdjustInput описывает ручную корректировку остатка (инвентаризация, брак).
type AdjustInput struct {
	Key     domain.StockKey
	Delta   int32
	Reason  string
	ActorID string
}

// Service выполняет админские операции склада в собственной транзакции.
type Service struct {
	store   domain.Store
	ledger  *Ledger
	retry   txretry.RetryConfig
	metrics *metrics.StoreMetrics
	logger  *log.Entry
}

// NewService создаёт сервис склада.
func NewService(store domain.Store, ledger *Ledger, retry txretry.RetryConfig, m *metrics.StoreMetrics, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "inventory-service")
	}
	return &Service{store: store, ledger: ledger, retry: retry, metrics: m, logger: logger}
}

// Restock записывает stock_in.
func (s *Service) Restock(ctx context.Context, in RestockInput) (domain.StockMovement, error) {
	if in.Quantity <= 0 {
		return domain.StockMovement{}, fmt.Errorf("%w: restock quantity must be positive", domain.ErrInvalidMovement)
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		reason = "restock"
	}
	return s.apply(ctx, "restock", Movement{
		Key:      in.Key,
		Type:     domain.MovementStockIn,
		Quantity: in.Quantity,
		Reason:   reason,
		ActorID:  in.ActorID,
	})
}

// Adjust записывает adjustment со знаком. Причина обязательна.
func (s *Service) Adjust(ctx context.Context, in AdjustInput) (domain.StockMovement, error) {
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return domain.StockMovement{}, fmt.Errorf("%w: adjustment reason is required", domain.ErrInvalidMovement)
	}
	return s.apply(ctx, "adjust", Movement{
		Key:      in.Key,
		Type:     domain.MovementAdjustment,
		Quantity: in.Delta,
		Reason:   reason,
		ActorID:  in.ActorID,
	})
}

// Movements возвращает журнал строки остатка.
func (s *Service) Movements(ctx context.Context, key domain.StockKey) ([]domain.StockMovement, error) {
	return s.store.ListMovements(ctx, key)
}

func (s *Service) apply(ctx context.Context, operation string, mv Movement) (domain.StockMovement, error) {
	var recorded domain.StockMovement
	err := txretry.Do(ctx, s.retry, s.logger, operation, func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			var err error
			recorded, err = s.ledger.Apply(ctx, tx, mv)
			return err
		})
	}, func(int) { s.metrics.RecordConflictRetry(operation) })
	if err != nil {
		return domain.StockMovement{}, err
	}

	s.logger.WithFields(log.Fields{
		"product_id":  mv.Key.ProductID,
		"variant_id":  mv.Key.VariantID,
		"movement_id": recorded.ID,
		"type":        recorded.Type,
		"new_stock":   recorded.NewStock,
		"actor_id":    mv.ActorID,
	}).Info("stock movement recorded")
	return recorded, nil
}
