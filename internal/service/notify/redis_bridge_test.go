package notify

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

func TestRedisBridge_DecodeEnvelope(t *testing.T) {
	raw, err := json.Marshal(domain.Envelope{
		ID:      "evt-1",
		Scope:   domain.ScopeAdmin,
		Event:   domain.EventLowStockAlert,
		Type:    domain.NotificationLowStock,
		Payload: domain.NotificationPayload{ProductID: 4},
	})
	require.NoError(t, err)

	env, err := decodeEnvelope(string(raw))
	require.NoError(t, err)
	require.Equal(t, domain.ScopeAdmin, env.Scope)
	require.Equal(t, int64(4), env.Payload.ProductID)

	_, err = decodeEnvelope("{not json")
	require.Error(t, err)
	_, err = decodeEnvelope(`{"id":"evt-2","event":"user-data-refresh"}`)
	require.ErrorContains(t, err, "scope and event are required")
}

func TestRedisBridge_UnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	bridge := NewRedisBridge(client, "", nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.Error(t, bridge.Ping(ctx))
	err := bridge.Publish(ctx, domain.Envelope{Scope: domain.ScopeAdmin, Event: domain.EventNewOrderAlert})
	require.ErrorContains(t, err, "redis publish")
}

func TestRedisBridge_DeliversAcrossInstances(t *testing.T) {
	addr := os.Getenv("CAMPUS_REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("CAMPUS_REDIS_TEST_ADDR is not set")
	}

	client := NewRedisClient(addr, "", 0)
	t.Cleanup(func() { _ = client.Close() })
	channel := "campusstore:test:" + t.Name()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, NewRedisBridge(client, channel, nil).Ping(ctx))

	// Два экземпляра: первый публикует, второй получает через свой hub.
	publisher := NewRedisBridge(client, channel, nil)
	subscriber := NewRedisBridge(client, channel, nil)
	hub := NewHub(4, nil, nil)
	session, unsubscribe := hub.Subscribe(domain.UserScope("student-1"))
	defer unsubscribe()

	go subscriber.Run(ctx, hub)

	env := domain.Envelope{
		ID:      "evt-redis",
		Scope:   domain.UserScope("student-1"),
		Event:   domain.EventUserDataRefresh,
		Type:    domain.NotificationOrderStatusUpdated,
		Payload: domain.NotificationPayload{OrderID: "order-1"},
	}
	require.Eventually(t, func() bool {
		if err := publisher.Publish(ctx, env); err != nil {
			return false
		}
		select {
		case got := <-session.Events():
			return got.ID == "evt-redis" && got.Payload.OrderID == "order-1"
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 50*time.Millisecond)
}
