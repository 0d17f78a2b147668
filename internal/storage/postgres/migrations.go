package postgres

import (
	"cmp"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

//go:embed sql/migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "sql/migrations"

var migrationFileRe = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// ErrMigrationDrift означает, что up-скрипт уже применённой миграции изменился после применения.
var ErrMigrationDrift = errors.New("applied migration was modified")

type migrationDirection string

const (
	migrationUp   migrationDirection = "up"
	migrationDown migrationDirection = "down"
)

type migration struct {
	Version  int64
	Name     string
	UpSQL    string
	DownSQL  string
	Checksum string
}

func (m migration) label() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

// appliedMigration описывает строку schema_migrations.
// Пустой checksum остаётся у строк, записанных до появления колонки; такие строки не сверяем.
type appliedMigration struct {
	Version  int64
	Checksum string
}

func checksum(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// loadMigrationsFromFS собирает пары up/down из каталога sql/migrations и сортирует их по версии.
func loadMigrationsFromFS(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[int64]*migration)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		parts := migrationFileRe.FindStringSubmatch(entry.Name())
		if parts == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", entry.Name())
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version from %s: %w", entry.Name(), err)
		}

		raw, err := fs.ReadFile(fsys, path.Join(migrationsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", entry.Name(), err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", entry.Name())
		}

		m, ok := byVersion[version]
		switch {
		case !ok:
			m = &migration{Version: version, Name: parts[2]}
			byVersion[version] = m
		case m.Name != parts[2]:
			return nil, fmt.Errorf("migration name mismatch for version %d: %s vs %s", version, m.Name, parts[2])
		}

		target := &m.UpSQL
		if migrationDirection(parts[3]) == migrationDown {
			target = &m.DownSQL
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", parts[3], version)
		}
		*target = body
	}
	if len(byVersion) == 0 {
		return nil, errors.New("no migration files found")
	}

	migrations := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL == "" || m.DownSQL == "" {
			return nil, fmt.Errorf("migration %s must have both up and down files", m.label())
		}
		m.Checksum = checksum(m.UpSQL)
		migrations = append(migrations, *m)
	}
	slices.SortFunc(migrations, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return migrations, nil
}

// verifyApplied сверяет schema_migrations со встроенным набором.
// Неизвестная применённая версия значит, что база новее бинаря.
func verifyApplied(all []migration, applied map[int64]appliedMigration) error {
	known := make(map[int64]migration, len(all))
	for _, m := range all {
		known[m.Version] = m
	}
	for version, row := range applied {
		m, ok := known[version]
		if !ok {
			return fmt.Errorf("database has migration %d that this binary does not know", version)
		}
		if row.Checksum != "" && row.Checksum != m.Checksum {
			return fmt.Errorf("%w: %s", ErrMigrationDrift, m.label())
		}
	}
	return nil
}

// planMigrations возвращает миграции в порядке выполнения.
// Для up steps<=0 значит "все", для down шаг всегда хотя бы один.
func planMigrations(all []migration, applied map[int64]appliedMigration, direction migrationDirection, steps int) ([]migration, error) {
	if err := verifyApplied(all, applied); err != nil {
		return nil, err
	}

	var plan []migration
	switch direction {
	case migrationUp:
		for _, m := range all {
			if _, done := applied[m.Version]; !done {
				plan = append(plan, m)
			}
		}
		if steps > 0 && len(plan) > steps {
			plan = plan[:steps]
		}
	case migrationDown:
		steps = max(steps, 1)
		for i := len(all) - 1; i >= 0 && len(plan) < steps; i-- {
			if _, done := applied[all[i].Version]; done {
				plan = append(plan, all[i])
			}
		}
	default:
		return nil, fmt.Errorf("unsupported migration direction: %s", direction)
	}
	return plan, nil
}
