package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

const (
	defaultConnTimeout     = 5 * time.Second
	defaultMaxOpenConns    = 25
	defaultConnMaxLifetime = 30 * time.Minute
	defaultLockTimeout     = 3 * time.Second

	opTimeout = 5 * time.Second
)

// Коды ошибок MySQL.
const (
	errDuplicateEntry   uint16 = 1062
	errLockWaitTimeout  uint16 = 1205
	errDeadlock         uint16 = 1213
	errCheckConstraint  uint16 = 3819
	errLockNowaitFailed uint16 = 3572
)

// Store реализует domain.Store поверх MySQL через gorm.
type Store struct {
	db          *gorm.DB
	lockTimeout time.Duration
	maxConns    int
	now         func() time.Time
}

// Option настраивает Store.
type Option func(*Store)

// WithLockTimeout задаёт innodb_lock_wait_timeout для транзакций; MySQL округляет до секунд.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.lockTimeout = d
		}
	}
}

// WithMaxOpenConns задаёт размер пула соединений.
func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxConns = n
		}
	}
}

// Open подключается к MySQL. DSN должен содержать parseTime=true.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	store := &Store{
		lockTimeout: defaultLockTimeout,
		maxConns:    defaultMaxOpenConns,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(store)
	}

	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql connection: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("mysql raw db: %w", err)
	}
	sqlDB.SetMaxOpenConns(store.maxConns)
	sqlDB.SetMaxIdleConns(store.maxConns)
	sqlDB.SetConnMaxLifetime(defaultConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	store.db = db
	return store, nil
}

// Gorm возвращает подключение для репозиториев пакета и тестов.
func (s *Store) Gorm() *gorm.DB {
	return s.db
}

// EnsureSchema создаёт таблицы через AutoMigrate.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("mysql store is not initialized")
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	return sqlDB.PingContext(pingCtx)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithinTx выполняет fn в транзакции READ COMMITTED; хуки AfterCommit выполняются после commit.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	gtx := &gormTx{now: s.now}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.lockTimeout > 0 {
			seconds := int(math.Ceil(s.lockTimeout.Seconds()))
			if err := tx.Exec("SET SESSION innodb_lock_wait_timeout = ?", seconds).Error; err != nil {
				return fmt.Errorf("set lock timeout: %w", err)
			}
		}
		gtx.db = tx
		return fn(ctx, gtx)
	}, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapError(err)
	}

	gtx.hooks.Run()
	return nil
}

// mapError превращает deadlock и lock wait timeout в domain.ErrTransactionConflict.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch errorNumber(err) {
	case errDeadlock, errLockWaitTimeout, errLockNowaitFailed:
		return fmt.Errorf("%w: %w", domain.ErrTransactionConflict, err)
	default:
		return err
	}
}

func errorNumber(err error) uint16 {
	var me *mysqldriver.MySQLError
	if errors.As(err, &me) {
		return me.Number
	}
	return 0
}

var _ domain.Store = (*Store)(nil)
