package app

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/campusstore/internal/metrics"
	"github.com/vladislavdragonenkov/campusstore/internal/service/checkout"
	"github.com/vladislavdragonenkov/campusstore/internal/service/idempotency"
	"github.com/vladislavdragonenkov/campusstore/internal/service/inventory"
	"github.com/vladislavdragonenkov/campusstore/internal/service/notify"
	"github.com/vladislavdragonenkov/campusstore/internal/service/payment"
	"github.com/vladislavdragonenkov/campusstore/internal/service/txretry"
)

const redisPingTimeout = 2 * time.Second

// services — ядро магазина, собранное поверх выбранного хранилища.
type services struct {
	hub         *notify.Hub
	fanout      *notify.Fanout
	bridge      *notify.RedisBridge
	redisClient *redis.Client

	ledger    *inventory.Ledger
	processor *checkout.Processor
	payments  *payment.StateMachine
	inventory *inventory.Service
	guard     *idempotency.Guard
}

func (c Config) retryConfig() txretry.RetryConfig {
	retry := txretry.DefaultRetryConfig()
	retry.MaxAttempts = c.TxRetryAttempts
	if c.TxRetryBaseDelay > 0 {
		retry.InitialDelay = c.TxRetryBaseDelay
	}
	return retry
}

// buildServices связывает хаб, рассылку, леджер, оформление, оплату и склад.
// Redis-мост подключается, только если Redis отвечает на ping; иначе события идут в локальный хаб.
func buildServices(ctx context.Context, cfg Config, deps *runtimeDependencies, rel *relay, m *metrics.StoreMetrics, logger *log.Entry) *services {
	s := &services{
		hub: notify.NewHub(cfg.SSEBuffer, m, logger.WithField("component", "notify-hub")),
	}

	fanoutOpts := []notify.Option{
		notify.WithQueueSize(cfg.FanoutQueueSize),
		notify.WithWorkers(cfg.FanoutWorkers),
		notify.WithMetrics(m),
		notify.WithLogger(logger.WithField("component", "notify-fanout")),
		notify.WithSink(notify.NewStoreSink(deps.notificationRepo)),
	}
	if rel != nil {
		fanoutOpts = append(fanoutOpts, notify.WithSink(notify.NewOutboxSink(deps.outboxRepo)))
	}
	if cfg.RedisAddr != "" {
		client := notify.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		bridge := notify.NewRedisBridge(client, cfg.RedisChannel, logger.WithField("component", "notify-redis-bridge"))

		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		err := bridge.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.WithError(err).WithField("addr", cfg.RedisAddr).Warn("redis is unavailable, fanout stays local to this instance")
			_ = client.Close()
		} else {
			s.bridge = bridge
			s.redisClient = client
			fanoutOpts = append(fanoutOpts, notify.WithBridge(bridge))
			logger.WithField("channel", cfg.RedisChannel).Info("redis fanout bridge enabled")
		}
	}
	s.fanout = notify.NewFanout(s.hub, fanoutOpts...)

	retry := cfg.retryConfig()
	s.ledger = inventory.NewLedger(
		inventory.WithNotifier(s.fanout),
		inventory.WithMetrics(m),
		inventory.WithLowStockThreshold(int32(cfg.LowStockThreshold)),
		inventory.WithLogger(logger.WithField("component", "inventory-ledger")),
	)
	s.processor = checkout.NewProcessor(deps.store, s.ledger,
		checkout.WithNotifier(s.fanout),
		checkout.WithRetryConfig(retry),
		checkout.WithMetrics(m),
		checkout.WithLogger(logger.WithField("component", "checkout")),
	)
	s.payments = payment.NewStateMachine(deps.store, s.ledger,
		payment.WithNotifier(s.fanout),
		payment.WithRetryConfig(retry),
		payment.WithMetrics(m),
		payment.WithLogger(logger.WithField("component", "payment")),
	)
	s.inventory = inventory.NewService(deps.store, s.ledger, retry, m, logger.WithField("component", "inventory"))
	s.guard = idempotency.NewGuard(deps.idempotencyRepo, cfg.IdempotencyTTL)

	return s
}

func (s *services) close(logger *log.Entry) {
	if s == nil || s.redisClient == nil {
		return
	}
	if err := s.redisClient.Close(); err != nil {
		logger.WithError(err).Warn("failed to close redis client")
	}
}
