package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

const (
	pingTimeout     = 5 * time.Second
	opTimeout       = 5 * time.Second
	connMaxLifetime = 30 * time.Minute
	connMaxIdleTime = 5 * time.Minute
)

// Коды PostgreSQL, при которых транзакцию можно повторить целиком.
const (
	pgDeadlockDetected     = "40P01"
	pgSerializationFailure = "40001"
	pgLockNotAvailable     = "55P03"
	pgCheckViolation       = "23514"
)

// queryer — общее подмножество *sql.DB и *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store реализует domain.Store поверх PostgreSQL.
// Блокировки строк остатка и заказа берутся через SELECT ... FOR UPDATE.
type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
	maxConns    int
	now         func() time.Time
}

type Option func(*Store)

// WithLockTimeout ограничивает ожидание блокировки строки. 0 снимает ограничение.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.lockTimeout = d
		}
	}
}

// WithMaxOpenConns задаёт размер пула; простаивающих соединений держим столько же.
func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxConns = n
		}
	}
}

// Open подключается по dsn через драйвер pgx и проверяет связь.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	store := &Store{
		lockTimeout: 3 * time.Second,
		maxConns:    25,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(store)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(store.maxConns)
	db.SetMaxIdleConns(store.maxConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)
	store.db = db

	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// EnsureSchema доводит схему до последней встроенной миграции.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.MigrateUp(ctx, 0)
}

// Close безопасен для nil Store.
func (s *Store) Close() error {
	if s.ready() != nil {
		return nil
	}
	return s.db.Close()
}

// WithinTx выполняет fn в транзакции READ COMMITTED.
// Хуки AfterCommit запускаются только после успешного commit.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapError(fmt.Errorf("begin tx: %w", err))
	}

	if s.lockTimeout > 0 {
		if _, err := sqlTx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`,
			fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())); err != nil {
			_ = sqlTx.Rollback()
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}

	tx := &pgTx{tx: sqlTx, now: s.now}
	if err := fn(ctx, tx); err != nil {
		_ = sqlTx.Rollback()
		return mapError(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return mapError(fmt.Errorf("commit tx: %w", err))
	}

	tx.hooks.Run()
	return nil
}

// mapError превращает ошибки конкуренции PostgreSQL в domain.ErrTransactionConflict.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgDeadlockDetected, pgSerializationFailure, pgLockNotAvailable:
		return fmt.Errorf("%w: %w", domain.ErrTransactionConflict, err)
	default:
		return err
	}
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

var _ domain.Store = (*Store)(nil)
