// Package txretry повторяет транзакции при конфликте блокировок и
// отсекает вызовы к падающим внешним sink-ам.
package txretry

import (
	"context"
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

// RetryConfig задаёт число попыток и экспоненциальную паузу между ними.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  20 * time.Millisecond,
		MaxDelay:      500 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func (c RetryConfig) attempts() int {
	return max(c.MaxAttempts, 1)
}

// delay возвращает паузу перед повтором номер retry (с единицы).
func (c RetryConfig) delay(retry int) time.Duration {
	base := max(c.InitialDelay, 0)
	factor := max(c.BackoffFactor, 1)
	d := time.Duration(float64(base) * math.Pow(factor, float64(retry-1)))
	if c.MaxDelay > 0 && (d > c.MaxDelay || d < 0) {
		return c.MaxDelay
	}
	return d
}

// Do выполняет fn и повторяет её только при domain.ErrTransactionConflict.
// Бизнес-ошибки возвращаются сразу. onRetry вызывается перед каждым повтором, может быть nil.
func Do(ctx context.Context, cfg RetryConfig, logger *log.Entry, operation string, fn func(ctx context.Context) error, onRetry func(attempt int)) error {
	if logger == nil {
		logger = log.WithField("component", "txretry")
	}
	logger = logger.WithField("operation", operation)
	limit := cfg.attempts()

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		switch {
		case err == nil:
			if attempt > 1 {
				logger.WithField("attempt", attempt).Info("transaction committed after retry")
			}
			return nil
		case !domain.IsTransactionConflict(err):
			return err
		case attempt == limit:
			logger.WithField("max_attempts", limit).WithError(err).Error("transaction conflict persisted after all attempts")
			return err
		}

		pause := cfg.delay(attempt)
		logger.WithFields(log.Fields{"attempt": attempt, "delay": pause}).WithError(err).Warn("transaction conflict, retrying")
		if onRetry != nil {
			onRetry(attempt)
		}
		if err := sleep(ctx, pause); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
