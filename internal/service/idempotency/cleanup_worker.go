package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

const (
	defaultSweepInterval  = 10 * time.Minute
	defaultSweepBatchSize = 500
)

const (
	sweepExpired    = "expired"
	sweepProcessing = "stale_processing"
)

var (
	cleanupSweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusstore_idempotency_cleanup_runs_total",
		Help: "Idempotency cleanup sweeps by sweep kind and result.",
	}, []string{"sweep", "result"})
	cleanupDeletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusstore_idempotency_cleanup_deleted_total",
		Help: "Checkout idempotency keys removed by the cleanup worker.",
	}, []string{"sweep"})
	cleanupLastDeleted = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "campusstore_idempotency_cleanup_last_deleted",
		Help: "Keys removed by the most recent sweep.",
	}, []string{"sweep"})
)

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupWorker)

func WithLogger(logger *log.Entry) CleanupOption {
	return func(w *CleanupWorker) { w.logger = logger }
}

func WithInterval(interval time.Duration) CleanupOption {
	return func(w *CleanupWorker) { w.interval = interval }
}

// WithBatchSize ограничивает число ключей, удаляемых одним запросом к хранилищу.
func WithBatchSize(n int) CleanupOption {
	return func(w *CleanupWorker) { w.batchSize = n }
}

// WithProcessingLease включает второй проход: ключи, которые дольше lease стоят
// в processing, удаляются, и клиент снова может повторить checkout с тем же ключом.
// lease <= 0 отключает проход.
func WithProcessingLease(lease time.Duration) CleanupOption {
	return func(w *CleanupWorker) { w.lease = lease }
}

func WithCleanupClock(now func() time.Time) CleanupOption {
	return func(w *CleanupWorker) { w.now = now }
}

// CleanupWorker периодически чистит таблицу ключей идемпотентности.
type CleanupWorker struct {
	repo      domain.IdempotencyRepository
	logger    *log.Entry
	interval  time.Duration
	batchSize int
	lease     time.Duration
	now       func() time.Time
}

// SweepResult считает удалённые за проход ключи.
type SweepResult struct {
	Expired         int
	StaleProcessing int
}

func NewCleanupWorker(repo domain.IdempotencyRepository, opts ...CleanupOption) *CleanupWorker {
	w := &CleanupWorker{
		repo:      repo,
		interval:  defaultSweepInterval,
		batchSize: defaultSweepBatchSize,
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.logger == nil {
		w.logger = log.WithField("component", "idempotency-cleanup-worker")
	}
	if w.interval <= 0 {
		w.interval = defaultSweepInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultSweepBatchSize
	}
	if w.now == nil {
		w.now = func() time.Time { return time.Now().UTC() }
	}
	return w
}

// Run выполняет проход сразу и затем по таймеру, пока ctx не отменён.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup worker is disabled: repo is nil")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.runOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *CleanupWorker) runOnce(ctx context.Context) {
	res, err := w.Sweep(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.logger.WithError(err).Warn("idempotency cleanup run failed")
		}
		return
	}
	if res.Expired > 0 || res.StaleProcessing > 0 {
		w.logger.WithFields(log.Fields{
			"expired":          res.Expired,
			"stale_processing": res.StaleProcessing,
		}).Info("idempotency cleanup completed")
	}
}

// Sweep удаляет ключи с истёкшим ttl и, если задан lease, зависшие processing-ключи.
// Ошибка первого прохода не мешает второму; возвращается первая из ошибок.
func (w *CleanupWorker) Sweep(ctx context.Context) (SweepResult, error) {
	now := w.now()

	var (
		res  SweepResult
		errs []error
	)
	expired, err := w.DeleteExpired(ctx, now)
	res.Expired = expired
	if err != nil {
		errs = append(errs, err)
	}

	if w.lease > 0 {
		stale, err := w.ReleaseStaleProcessing(ctx, now.Add(-w.lease))
		res.StaleProcessing = stale
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return res, errs[0]
	}
	return res, nil
}

// DeleteExpired удаляет все записи с ttl <= before порциями batchSize.
func (w *CleanupWorker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = w.now()
	}
	return w.drain(ctx, sweepExpired, func(ctx context.Context) (int, error) {
		return w.repo.DeleteExpired(ctx, before, w.batchSize)
	})
}

// ReleaseStaleProcessing удаляет ключи в статусе processing, не обновлявшиеся с updatedBefore.
func (w *CleanupWorker) ReleaseStaleProcessing(ctx context.Context, updatedBefore time.Time) (int, error) {
	return w.drain(ctx, sweepProcessing, func(ctx context.Context) (int, error) {
		return w.repo.DeleteStaleProcessing(ctx, updatedBefore, w.batchSize)
	})
}

// drain повторяет удаление, пока хранилище возвращает полные пачки.
func (w *CleanupWorker) drain(ctx context.Context, sweep string, deleteBatch func(context.Context) (int, error)) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, err := deleteBatch(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				cleanupSweepsTotal.WithLabelValues(sweep, "error").Inc()
			}
			return total, err
		}
		total += n
		if n > 0 {
			cleanupDeletedTotal.WithLabelValues(sweep).Add(float64(n))
		}
		if n < w.batchSize {
			break
		}
	}

	cleanupSweepsTotal.WithLabelValues(sweep, "ok").Inc()
	cleanupLastDeleted.WithLabelValues(sweep).Set(float64(total))
	return total, nil
}
