package txretry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

func TestRetryConfig_Delay(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: 35 * time.Millisecond, BackoffFactor: 2}
	assert.Equal(t, 10*time.Millisecond, cfg.delay(1))
	assert.Equal(t, 20*time.Millisecond, cfg.delay(2))
	assert.Equal(t, 35*time.Millisecond, cfg.delay(3), "capped by MaxDelay")

	flat := RetryConfig{InitialDelay: 5 * time.Millisecond, BackoffFactor: 0.5}
	assert.Equal(t, 5*time.Millisecond, flat.delay(4), "factor below 1 means constant delay")
	assert.Equal(t, 1, RetryConfig{}.attempts())

	def := DefaultRetryConfig()
	assert.Equal(t, 3, def.MaxAttempts)
	assert.Greater(t, def.BackoffFactor, 1.0)
}

func TestDo(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2}
	logger := log.New().WithField("test", "retry")
	conflict := fmt.Errorf("lock: %w", domain.ErrTransactionConflict)

	t.Run("conflict then success", func(t *testing.T) {
		attempts, retries := 0, 0
		err := Do(context.Background(), cfg, logger, "checkout", func(context.Context) error {
			attempts++
			if attempts < 3 {
				return conflict
			}
			return nil
		}, func(int) { retries++ })
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, 2, retries)
	})

	t.Run("business error is returned at once", func(t *testing.T) {
		attempts := 0
		err := Do(context.Background(), cfg, logger, "checkout", func(context.Context) error {
			attempts++
			return &domain.InsufficientStockError{Requested: 2, Available: 1}
		}, nil)
		require.ErrorIs(t, err, domain.ErrInsufficientStock)
		assert.Equal(t, 1, attempts)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		attempts := 0
		err := Do(context.Background(), cfg, nil, "checkout", func(context.Context) error {
			attempts++
			return conflict
		}, nil)
		require.ErrorIs(t, err, domain.ErrTransactionConflict)
		assert.Equal(t, cfg.MaxAttempts, attempts)
	})

	t.Run("cancel during backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		slow := RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour, BackoffFactor: 2}
		err := Do(ctx, slow, logger, "checkout", func(context.Context) error {
			cancel()
			return conflict
		}, nil)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(2, time.Minute, nil)
	cb.now = func() time.Time { return now }
	boom := errors.New("boom")

	require.NoError(t, cb.Execute("publish", func() error { return nil }))
	require.ErrorIs(t, cb.Execute("publish", func() error { return boom }), boom)
	assert.Equal(t, CircuitClosed, cb.State(), "one failure keeps it closed")

	require.ErrorIs(t, cb.Execute("publish", func() error { return boom }), boom)
	assert.Equal(t, CircuitOpen, cb.State())

	called := false
	err := cb.Execute("publish", func() error { called = true; return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "open breaker must not call fn")

	now = now.Add(2 * time.Minute)
	require.ErrorIs(t, cb.Execute("publish", func() error { return boom }), boom)
	assert.Equal(t, CircuitOpen, cb.State(), "failed probe reopens")

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Execute("publish", func() error { return nil }))
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, "closed", cb.State().String())
}
