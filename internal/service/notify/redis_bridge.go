package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

// DefaultRedisChannel задаёт канал pub/sub по умолчанию.
const DefaultRedisChannel = "campusstore:notifications"

// RedisBridge рассылает события всем экземплярам сервиса через Redis pub/sub.
// Каждый экземпляр подписан на канал и отдаёт полученное в свой Hub.
type RedisBridge struct {
	client  *redis.Client
	channel string
	logger  *log.Entry
}

// NewRedisClient создаёт клиента Redis.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisBridge(client *redis.Client, channel string, logger *log.Entry) *RedisBridge {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = log.WithField("component", "notify-redis-bridge")
	}
	return &RedisBridge{client: client, channel: channel, logger: logger}
}

// Publish отправляет событие в канал.
func (b *RedisBridge) Publish(ctx context.Context, env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Ping проверяет соединение с Redis.
func (b *RedisBridge) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Run подписывается на канал и доставляет события в hub до отмены ctx.
func (b *RedisBridge) Run(ctx context.Context, hub *Hub) {
	sub := b.client.Subscribe(ctx, b.channel)
	defer func() {
		if err := sub.Close(); err != nil {
			b.logger.WithError(err).Debug("redis subscription close failed")
		}
	}()

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			env, err := decodeEnvelope(msg.Payload)
			if err != nil {
				b.logger.WithError(err).Warn("skip malformed notification from redis")
				continue
			}
			hub.Deliver(env)
		}
	}
}

func decodeEnvelope(payload string) (domain.Envelope, error) {
	var env domain.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return domain.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Scope == "" || env.Event == "" {
		return domain.Envelope{}, fmt.Errorf("decode envelope: scope and event are required")
	}
	return env, nil
}
