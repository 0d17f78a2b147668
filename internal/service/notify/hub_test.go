package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

func envelope(scope domain.Scope, t domain.NotificationType) domain.Envelope {
	return domain.Envelope{
		ID:        "env-1",
		Scope:     scope,
		Event:     domain.EventName(scope, t),
		Type:      t,
		Timestamp: time.Now().UTC(),
	}
}

func TestHub_DeliversOnlyToMatchingScopes(t *testing.T) {
	hub := NewHub(4, nil, nil)

	admin, unsubAdmin := hub.Subscribe(domain.ScopeAdmin)
	defer unsubAdmin()
	alice, unsubAlice := hub.Subscribe(domain.UserScope("alice"))
	defer unsubAlice()
	bob, unsubBob := hub.Subscribe(domain.UserScope("bob"))
	defer unsubBob()

	delivered := hub.Deliver(envelope(domain.UserScope("alice"), domain.NotificationOrderStatusUpdated))
	assert.Equal(t, 1, delivered)

	select {
	case env := <-alice.Events():
		assert.Equal(t, domain.EventUserDataRefresh, env.Event)
	default:
		t.Fatal("alice should receive her event")
	}
	assert.Len(t, admin.Events(), 0)
	assert.Len(t, bob.Events(), 0)
}

func TestHub_FullBufferDropsWithoutBlocking(t *testing.T) {
	hub := NewHub(1, nil, nil)
	session, unsubscribe := hub.Subscribe(domain.ScopeAdmin)
	defer unsubscribe()

	require.Equal(t, 1, hub.Deliver(envelope(domain.ScopeAdmin, domain.NotificationNewOrder)))
	assert.Equal(t, 0, hub.Deliver(envelope(domain.ScopeAdmin, domain.NotificationLowStock)))

	env := <-session.Events()
	assert.Equal(t, domain.EventNewOrderAlert, env.Event)
}

func TestHub_UnsubscribeClosesChannelOnce(t *testing.T) {
	hub := NewHub(0, nil, nil)
	session, unsubscribe := hub.Subscribe(domain.ScopeAdmin, domain.UserScope("u1"))
	require.Equal(t, 1, hub.SessionCount())

	unsubscribe()
	unsubscribe()

	_, ok := <-session.Events()
	assert.False(t, ok, "channel must be closed after unsubscribe")
	assert.Equal(t, 0, hub.SessionCount())
	assert.Equal(t, 0, hub.Deliver(envelope(domain.ScopeAdmin, domain.NotificationNewOrder)))
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := decodeEnvelope(`{"id":"1","scope":"admin","event":"low-stock-alert","type":"low_stock","payload":{"productId":7,"stock":2}}`)
	require.NoError(t, err)
	assert.Equal(t, domain.ScopeAdmin, env.Scope)
	assert.Equal(t, int64(7), env.Payload.ProductID)
	require.NotNil(t, env.Payload.Stock)
	assert.Equal(t, int32(2), *env.Payload.Stock)

	_, err = decodeEnvelope(`{"id":"1"}`)
	assert.Error(t, err)
	_, err = decodeEnvelope(`not json`)
	assert.Error(t, err)
}
