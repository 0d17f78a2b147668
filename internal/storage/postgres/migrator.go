package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	migrationLockKey = int64(0x63616d707573) // "campus"
	migrationTimeout = 5 * time.Second

	schemaMigrationsDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    checksum TEXT NOT NULL DEFAULT '',
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT ''`
)

// MigrationInfo описывает встроенную миграцию и её состояние в базе.
type MigrationInfo struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt time.Time
	Drifted   bool
}

// Label возвращает имя миграции в виде 0001_catalog.
func (i MigrationInfo) Label() string {
	return migration{Version: i.Version, Name: i.Name}.label()
}

// MigrateUp применяет up-миграции. steps=0 применяет все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	_, err := s.migrate(ctx, migrationUp, steps, false)
	return err
}

// MigrateDown откатывает steps последних миграций, минимум одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	_, err := s.migrate(ctx, migrationDown, steps, false)
	return err
}

// PlanMigrations показывает, что сделали бы MigrateUp или MigrateDown, ничего не меняя в схеме.
func (s *Store) PlanMigrations(ctx context.Context, down bool, steps int) ([]MigrationInfo, error) {
	direction := migrationUp
	if down {
		direction = migrationDown
	}
	plan, err := s.migrate(ctx, direction, steps, true)
	if err != nil {
		return nil, err
	}
	infos := make([]MigrationInfo, 0, len(plan))
	for _, m := range plan {
		infos = append(infos, MigrationInfo{Version: m.Version, Name: m.Name, Applied: direction == migrationDown})
	}
	return infos, nil
}

// MigrationStatus возвращает текущую версию и количество применённых миграций.
func (s *Store) MigrationStatus(ctx context.Context) (int64, int, error) {
	if err := s.ready(); err != nil {
		return 0, 0, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, migrationTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(queryCtx, schemaMigrationsDDL); err != nil {
		return 0, 0, fmt.Errorf("ensure migration table: %w", err)
	}
	var (
		version int64
		count   int
	)
	if err := s.db.QueryRowContext(queryCtx,
		`SELECT COALESCE(MAX(version), 0), COUNT(*) FROM schema_migrations`,
	).Scan(&version, &count); err != nil {
		return 0, 0, fmt.Errorf("query migration status: %w", err)
	}
	return version, count, nil
}

// ListMigrations возвращает встроенные миграции с отметкой о применении и расхождении checksum.
func (s *Store) ListMigrations(ctx context.Context) ([]MigrationInfo, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	all, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, schemaMigrationsDDL); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT version, checksum, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	type row struct {
		checksum  string
		appliedAt time.Time
	}
	applied := make(map[int64]row)
	for rows.Next() {
		var (
			version int64
			r       row
		)
		if err := rows.Scan(&version, &r.checksum, &r.appliedAt); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}

	infos := make([]MigrationInfo, 0, len(all))
	for _, m := range all {
		info := MigrationInfo{Version: m.Version, Name: m.Name}
		if r, ok := applied[m.Version]; ok {
			info.Applied = true
			info.AppliedAt = r.appliedAt.UTC()
			info.Drifted = r.checksum != "" && r.checksum != m.Checksum
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}
	return nil
}

// migrate держит advisory lock на выделенном соединении, чтобы две реплики
// при старте не применяли одну миграцию одновременно.
func (s *Store) migrate(ctx context.Context, direction migrationDirection, steps int, dryRun bool) ([]migration, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	all, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return nil, err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, migrationTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return nil, fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()

	if _, err := conn.ExecContext(ctx, schemaMigrationsDDL); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := loadApplied(ctx, conn)
	if err != nil {
		return nil, err
	}
	plan, err := planMigrations(all, applied, direction, steps)
	if err != nil || dryRun {
		return plan, err
	}

	for _, m := range plan {
		if err := applyOne(ctx, conn, m, direction); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// applyOne выполняет одну миграцию и запись в schema_migrations в одной транзакции.
func applyOne(ctx context.Context, conn *sql.Conn, m migration, direction migrationDirection) error {
	body, bookkeeping, args := m.UpSQL,
		`INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES ($1, $2, $3, NOW())`,
		[]any{m.Version, m.Name, m.Checksum}
	if direction == migrationDown {
		body, bookkeeping, args = m.DownSQL, `DELETE FROM schema_migrations WHERE version = $1`, []any{m.Version}
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx (%s %s): %w", direction, m.label(), err)
	}
	if _, err := tx.ExecContext(ctx, body); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("execute %s migration %s: %w", direction, m.label(), err)
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record %s migration %s: %w", direction, m.label(), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s migration %s: %w", direction, m.label(), err)
	}
	return nil
}

func loadApplied(ctx context.Context, conn *sql.Conn) (map[int64]appliedMigration, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]appliedMigration)
	for rows.Next() {
		var a appliedMigration
		if err := rows.Scan(&a.Version, &a.Checksum); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[a.Version] = a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}
