package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/campusstore/internal/health"
	"github.com/vladislavdragonenkov/campusstore/internal/storage/memory"
	"github.com/vladislavdragonenkov/campusstore/internal/storage/mysql"
	"github.com/vladislavdragonenkov/campusstore/internal/storage/postgres"
)

// runtimeDependencies — хранилище и репозитории, выбранные драйвером из конфига.
type runtimeDependencies struct {
	store            domain.Store
	notificationRepo domain.NotificationRepository
	outboxRepo       domain.OutboxRepository
	idempotencyRepo  domain.IdempotencyRepository
	storageChecker   healthcheck.Checker
	closeFn          func() error
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	switch cfg.StorageDriver {
	case "", StorageDriverMemory:
		return initMemoryDependencies(ctx, cfg, logger)
	case StorageDriverPostgres:
		return initPostgresDependencies(ctx, cfg, logger)
	case StorageDriverMySQL:
		return initMySQLDependencies(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func initMemoryDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	store := memory.NewStore()
	if cfg.SeedDemo {
		rows, err := SeedCatalog(ctx, newMemorySeeder(store), DemoCatalog())
		if err != nil {
			return nil, fmt.Errorf("seed demo catalog: %w", err)
		}
		logger.WithField("stock_rows", rows).Info("demo catalog loaded into memory storage")
	}

	logger.Warn("memory storage is not durable; use postgres or mysql outside local runs")
	return &runtimeDependencies{
		store:            store,
		notificationRepo: memory.NewNotificationRepository(),
		outboxRepo:       memory.NewOutboxRepository(),
		idempotencyRepo:  memory.NewIdempotencyRepository(),
		storageChecker:   storeChecker(StorageDriverMemory, store),
	}, nil
}

func initPostgresDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("postgres_dsn is required for postgres storage")
	}

	store, err := postgres.Open(ctx, cfg.PostgresDSN,
		postgres.WithLockTimeout(cfg.LockTimeout),
		postgres.WithMaxOpenConns(cfg.DBMaxOpenConns),
	)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	if cfg.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("ensure postgres schema: %w", err)
		}
	}

	logger.Info("postgres storage initialized")
	return &runtimeDependencies{
		store:            store,
		notificationRepo: postgres.NewNotificationRepository(store),
		outboxRepo:       postgres.NewOutboxRepository(store),
		idempotencyRepo:  postgres.NewIdempotencyRepository(store),
		storageChecker:   storeChecker(StorageDriverPostgres, store),
		closeFn:          store.Close,
	}, nil
}

func initMySQLDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if cfg.MySQLDSN == "" {
		return nil, fmt.Errorf("mysql_dsn is required for mysql storage")
	}

	store, err := mysql.Open(ctx, cfg.MySQLDSN,
		mysql.WithLockTimeout(cfg.LockTimeout),
		mysql.WithMaxOpenConns(cfg.DBMaxOpenConns),
	)
	if err != nil {
		return nil, fmt.Errorf("open mysql store: %w", err)
	}
	if cfg.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("ensure mysql schema: %w", err)
		}
	}

	logger.Info("mysql storage initialized")
	return &runtimeDependencies{
		store:            store,
		notificationRepo: mysql.NewNotificationRepository(store),
		outboxRepo:       mysql.NewOutboxRepository(store),
		idempotencyRepo:  mysql.NewIdempotencyRepository(store),
		storageChecker:   storeChecker(StorageDriverMySQL, store),
		closeFn:          store.Close,
	}, nil
}

func storeChecker(name string, store domain.Store) healthcheck.Checker {
	return healthcheck.Ping("storage:"+name, store.Ping)
}

func (d *runtimeDependencies) close(logger *log.Entry) {
	if d == nil || d.closeFn == nil {
		return
	}
	if err := d.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close storage")
		return
	}
	logger.Info("storage closed")
}
