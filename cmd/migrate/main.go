package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/campusstore/internal/app"
	"github.com/vladislavdragonenkov/campusstore/internal/storage/mysql"
	"github.com/vladislavdragonenkov/campusstore/internal/storage/postgres"
)

const (
	defaultTimeout = 30 * time.Second

	envPostgresDSN = "CAMPUS_POSTGRES_DSN"
	envMySQLDSN    = "CAMPUS_MYSQL_DSN"
)

type options struct {
	driver    string
	direction string
	steps     int
	dsn       string
	seed      bool
	dryRun    bool
}

func parseOptions(args []string, lookup func(string) string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.driver, "driver", app.StorageDriverPostgres, "storage driver: postgres|mysql")
	fs.StringVar(&opts.direction, "direction", "up", "migration direction: up|down|status")
	fs.IntVar(&opts.steps, "steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	fs.StringVar(&opts.dsn, "dsn", "", "database DSN (fallback: "+envPostgresDSN+" or "+envMySQLDSN+")")
	fs.BoolVar(&opts.seed, "seed", false, "load the demo catalog after migrating up")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "print the migrations that would run and exit (postgres only)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.driver = strings.ToLower(strings.TrimSpace(opts.driver))
	opts.direction = strings.ToLower(strings.TrimSpace(opts.direction))
	opts.dsn = strings.TrimSpace(opts.dsn)

	envVar := envPostgresDSN
	switch opts.driver {
	case app.StorageDriverPostgres:
	case app.StorageDriverMySQL:
		envVar = envMySQLDSN
	default:
		return options{}, fmt.Errorf("unsupported driver: %s (use postgres|mysql)", opts.driver)
	}
	if opts.dsn == "" {
		opts.dsn = strings.TrimSpace(lookup(envVar))
	}
	if opts.dsn == "" {
		return options{}, fmt.Errorf("%s (or -dsn) is required", envVar)
	}
	if opts.seed && opts.direction != "up" {
		return options{}, errors.New("-seed is only valid with -direction=up")
	}
	if opts.dryRun && opts.seed {
		return options{}, errors.New("-dry-run cannot be combined with -seed")
	}
	return opts, nil
}

func run(ctx context.Context, opts options, out io.Writer) error {
	if opts.driver == app.StorageDriverMySQL {
		return runMySQL(ctx, opts, out)
	}
	return runPostgres(ctx, opts, out)
}

func runPostgres(ctx context.Context, opts options, out io.Writer) error {
	store, err := postgres.Open(ctx, opts.dsn)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	switch {
	case opts.direction == "status":
		return printStatus(ctx, store, out)
	case opts.direction != "up" && opts.direction != "down":
		return fmt.Errorf("unsupported direction: %s (use up|down|status)", opts.direction)
	case opts.dryRun:
		plan, err := store.PlanMigrations(ctx, opts.direction == "down", opts.steps)
		if err != nil {
			return fmt.Errorf("plan migrations: %w", err)
		}
		_, _ = fmt.Fprintf(out, "postgres migrate %s dry-run: %d pending\n", opts.direction, len(plan))
		for _, m := range plan {
			_, _ = fmt.Fprintf(out, "  %s %s\n", opts.direction, m.Label())
		}
		return nil
	case opts.direction == "up":
		if err := store.MigrateUp(ctx, opts.steps); err != nil {
			return fmt.Errorf("migrate up failed: %w", err)
		}
	default:
		if err := store.MigrateDown(ctx, opts.steps); err != nil {
			return fmt.Errorf("migrate down failed: %w", err)
		}
	}

	version, count, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	_, _ = fmt.Fprintf(out, "postgres migrate %s ok: version=%d applied=%d\n", opts.direction, version, count)

	if opts.seed {
		return seed(ctx, store, out)
	}
	return nil
}

// printStatus печатает все встроенные миграции; изменённые после применения помечены DRIFT.
func printStatus(ctx context.Context, store *postgres.Store, out io.Writer) error {
	version, count, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	infos, err := store.ListMigrations(ctx)
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}

	_, _ = fmt.Fprintf(out, "postgres migrate status ok: version=%d applied=%d\n", version, count)
	drifted := 0
	for _, info := range infos {
		state := "pending"
		if info.Applied {
			state = "applied " + info.AppliedAt.Format(time.RFC3339)
		}
		if info.Drifted {
			state += " DRIFT"
			drifted++
		}
		_, _ = fmt.Fprintf(out, "  %s %s\n", info.Label(), state)
	}
	if drifted > 0 {
		return fmt.Errorf("%d applied migrations differ from embedded files", drifted)
	}
	return nil
}

// MySQL-схема ведётся через gorm AutoMigrate: откатов и версий нет.
func runMySQL(ctx context.Context, opts options, out io.Writer) error {
	if opts.direction != "up" {
		return fmt.Errorf("mysql supports only -direction=up, got %s", opts.direction)
	}
	if opts.dryRun {
		return errors.New("mysql auto migrate has no dry-run")
	}

	store, err := mysql.Open(ctx, opts.dsn)
	if err != nil {
		return fmt.Errorf("open mysql store: %w", err)
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("mysql auto migrate failed: %w", err)
	}
	_, _ = fmt.Fprintln(out, "mysql migrate up ok")

	if opts.seed {
		return seed(ctx, store, out)
	}
	return nil
}

func seed(ctx context.Context, seeder app.CatalogSeeder, out io.Writer) error {
	rows, err := app.SeedCatalog(ctx, seeder, app.DemoCatalog())
	if err != nil {
		return fmt.Errorf("seed demo catalog: %w", err)
	}
	_, _ = fmt.Fprintf(out, "demo catalog seeded: stock_rows=%d\n", rows)
	return nil
}

func main() {
	opts, err := parseOptions(os.Args[1:], os.Getenv)
	if err != nil {
		fail("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fail("%v", err)
	}
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
