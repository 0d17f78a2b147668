package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

// Topics для Kafka
const (
	TopicNotifications   = "campusstore.notifications"
	TopicDeadLetterQueue = "campusstore.notifications.dlq"
)

// Kafka headers
const (
	HeaderEventType     = "x-event-type"
	HeaderAggregateType = "x-aggregate-type"
	HeaderOutboxID      = "x-outbox-id"
)

// RelayEnvelope — формат сообщения, которое outbox ретранслирует в топик.
type RelayEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewRelayEnvelope оборачивает outbox-сообщение.
func NewRelayEnvelope(msg domain.OutboxMessage, publishedAt time.Time) RelayEnvelope {
	return RelayEnvelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       json.RawMessage(msg.Payload),
		PublishedAt:   publishedAt,
	}
}

// Key — ключ партиционирования: события одного заказа или товара попадают в одну партицию.
func (e RelayEnvelope) Key() string {
	if e.AggregateID != "" {
		return e.AggregateID
	}
	return e.ID
}

// DecodeRelayEnvelope разбирает значение сообщения из топика.
func DecodeRelayEnvelope(data []byte) (RelayEnvelope, error) {
	var env RelayEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return RelayEnvelope{}, fmt.Errorf("decode relay envelope: %w", err)
	}
	if env.ID == "" || len(env.Payload) == 0 {
		return RelayEnvelope{}, fmt.Errorf("decode relay envelope: id and payload are required")
	}
	return env, nil
}
