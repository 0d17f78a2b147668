// Command stock-audit проигрывает журнал движений и сверяет его с колонкой stock.
// Код выхода 2 означает найденные расхождения.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/campusstore/internal/app"
	"github.com/vladislavdragonenkov/campusstore/internal/domain"
	"github.com/vladislavdragonenkov/campusstore/internal/service/inventory"
	"github.com/vladislavdragonenkov/campusstore/internal/storage/mysql"
	"github.com/vladislavdragonenkov/campusstore/internal/storage/postgres"
)

const (
	defaultTimeout = 2 * time.Minute
	exitMismatch   = 2
)

type auditLine struct {
	ProductID int64  `json:"product_id"`
	VariantID int64  `json:"variant_id,omitempty"`
	Stock     int32  `json:"stock"`
	Replayed  int32  `json:"replayed"`
	Error     string `json:"error,omitempty"`
}

type auditResult struct {
	Checked    int         `json:"checked"`
	Mismatches []auditLine `json:"mismatches"`
}

// audit выполняет один проход сверки и печатает отчёт; возвращает число расхождений.
func audit(ctx context.Context, store domain.Store, out io.Writer, asJSON bool, logger *log.Entry) (int, error) {
	report, err := inventory.NewReconciler(store, 0, nil, logger).ReconcileOnce(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconcile: %w", err)
	}

	result := auditResult{Checked: report.Checked, Mismatches: make([]auditLine, 0, len(report.Mismatches))}
	for _, m := range report.Mismatches {
		line := auditLine{ProductID: m.Key.ProductID, VariantID: m.Key.VariantID, Stock: m.Stock, Replayed: m.Replayed}
		if m.Err != nil {
			line.Error = m.Err.Error()
		}
		result.Mismatches = append(result.Mismatches, line)
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return 0, fmt.Errorf("encode report: %w", err)
		}
		return len(result.Mismatches), nil
	}

	_, _ = fmt.Fprintf(out, "checked %d stock rows, %d mismatches\n", result.Checked, len(result.Mismatches))
	for _, m := range result.Mismatches {
		_, _ = fmt.Fprintf(out, "  %s stock=%d replayed=%d %s\n",
			domain.StockKey{ProductID: m.ProductID, VariantID: m.VariantID}, m.Stock, m.Replayed, m.Error)
	}
	return len(result.Mismatches), nil
}

func openStore(ctx context.Context, driver, dsn string) (domain.Store, func() error, error) {
	switch driver {
	case app.StorageDriverPostgres:
		store, err := postgres.Open(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case app.StorageDriverMySQL:
		store, err := mysql.Open(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported driver: %s (use postgres|mysql)", driver)
	}
}

func main() {
	var (
		driver string
		dsn    string
		asJSON bool
	)
	flag.StringVar(&driver, "driver", app.StorageDriverPostgres, "storage driver: postgres|mysql")
	flag.StringVar(&dsn, "dsn", "", "database DSN (fallback: CAMPUS_POSTGRES_DSN or CAMPUS_MYSQL_DSN)")
	flag.BoolVar(&asJSON, "json", false, "print the report as JSON")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stderr)
	logger := log.WithField("component", "stock-audit")

	driver = strings.ToLower(strings.TrimSpace(driver))
	if strings.TrimSpace(dsn) == "" {
		dsn = os.Getenv("CAMPUS_POSTGRES_DSN")
		if driver == app.StorageDriverMySQL {
			dsn = os.Getenv("CAMPUS_MYSQL_DSN")
		}
	}
	if strings.TrimSpace(dsn) == "" {
		logger.Fatal("database DSN is required (-dsn)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	store, closeFn, err := openStore(ctx, driver, dsn)
	if err != nil {
		logger.WithError(err).Fatal("failed to open store")
	}
	defer closeFn()

	mismatches, err := audit(ctx, store, os.Stdout, asJSON, logger)
	if err != nil {
		logger.WithError(err).Fatal("stock audit failed")
	}
	if mismatches > 0 {
		_ = closeFn()
		os.Exit(exitMismatch)
	}
}
