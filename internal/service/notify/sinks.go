package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

// StoreSink сохраняет уведомления для списка в интерфейсе.
type StoreSink struct {
	repo domain.NotificationRepository
}

func NewStoreSink(repo domain.NotificationRepository) *StoreSink {
	return &StoreSink{repo: repo}
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Deliver(ctx context.Context, env domain.Envelope) error {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	return s.repo.Save(ctx, domain.Notification{
		ID:        env.ID,
		Scope:     env.Scope,
		Type:      env.Type,
		Payload:   payload,
		CreatedAt: env.Timestamp,
	})
}

// OutboxSink ставит админские события в outbox для ретрансляции во внешний брокер.
type OutboxSink struct {
	repo domain.OutboxRepository
}

func NewOutboxSink(repo domain.OutboxRepository) *OutboxSink {
	return &OutboxSink{repo: repo}
}

func (s *OutboxSink) Name() string { return "outbox" }

func (s *OutboxSink) Deliver(ctx context.Context, env domain.Envelope) error {
	// Пользовательские события дублируют админские и наружу не уходят.
	if !env.Scope.IsAdmin() {
		return nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = s.repo.Enqueue(ctx, domain.OutboxMessage{
		ID:            env.ID,
		AggregateType: aggregateType(env),
		AggregateID:   aggregateID(env),
		EventType:     env.Event,
		Payload:       data,
		CreatedAt:     env.Timestamp,
	})
	return err
}

func aggregateType(env domain.Envelope) string {
	if env.Payload.OrderID != "" {
		return "order"
	}
	return "product"
}

func aggregateID(env domain.Envelope) string {
	if env.Payload.OrderID != "" {
		return env.Payload.OrderID
	}
	return strconv.FormatInt(env.Payload.ProductID, 10)
}
