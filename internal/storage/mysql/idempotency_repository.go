package mysql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

// IdempotencyRepository хранит ключи идемпотентности POST /orders.
type IdempotencyRepository struct {
	db *gorm.DB
}

func NewIdempotencyRepository(store *Store) *IdempotencyRepository {
	return &IdempotencyRepository{db: store.Gorm()}
}

// CreateProcessing захватывает ключ. Строка с истёкшим ttl_at перезаписывается.
func (r *IdempotencyRepository) CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	requestHash = strings.TrimSpace(requestHash)

	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}
	if requestHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	now := time.Now().UTC()
	if ttlAt.IsZero() {
		ttlAt = now.Add(24 * time.Hour)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		result  domain.IdempotencyRecord
		outcome error
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing idempotencyRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("idem_key = ?", key).
			Take(&existing).Error
		switch {
		case err == nil:
			if existing.TTLAt.After(now) {
				result = existing.toDomain()
				if existing.RequestHash != requestHash {
					outcome = domain.ErrIdempotencyHashMismatch
				} else {
					outcome = domain.ErrIdempotencyKeyAlreadyExists
				}
				return nil
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("select idempotency key: %w", err)
		}

		row := idempotencyRow{
			Key:         key,
			RequestHash: requestHash,
			Status:      string(domain.IdempotencyStatusProcessing),
			TTLAt:       ttlAt,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		// Save делает upsert по первичному ключу и обнуляет сохранённый ответ.
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("save idempotency key: %w", err)
		}
		result = row.toDomain()
		return nil
	})
	if err != nil {
		return domain.IdempotencyRecord{}, mapError(err)
	}
	return result, outcome
}

func (r *IdempotencyRepository) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var row idempotencyRow
	if err := r.db.WithContext(ctx).Where("idem_key = ?", key).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency key: %w", err)
	}
	return row.toDomain(), nil
}

func (r *IdempotencyRepository) MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error {
	return r.markStatus(ctx, key, domain.IdempotencyStatusDone, responseBody, httpStatus)
}

func (r *IdempotencyRepository) MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error {
	return r.markStatus(ctx, key, domain.IdempotencyStatusFailed, responseBody, httpStatus)
}

func (r *IdempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}
	return r.deleteWhere(ctx, "expired", "ttl_at", "ttl_at <= ?", before, limit)
}

// DeleteStaleProcessing удаляет ключи, которые остались в processing после падения обработчика.
func (r *IdempotencyRepository) DeleteStaleProcessing(ctx context.Context, updatedBefore time.Time, limit int) (int, error) {
	return r.deleteWhere(ctx, "stale processing", "updated_at",
		"status = '"+string(domain.IdempotencyStatusProcessing)+"' AND updated_at <= ?", updatedBefore, limit)
}

// deleteWhere удаляет строки по условию; MySQL умеет DELETE ... ORDER BY ... LIMIT без подзапроса.
func (r *IdempotencyRepository) deleteWhere(ctx context.Context, what, orderBy, cond string, cutoff time.Time, limit int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var res *gorm.DB
	if limit > 0 {
		res = r.db.WithContext(ctx).Exec("DELETE FROM idempotency_keys WHERE "+cond+" ORDER BY "+orderBy+" LIMIT ?", cutoff, limit)
	} else {
		res = r.db.WithContext(ctx).Where(cond, cutoff).Delete(&idempotencyRow{})
	}
	if res.Error != nil {
		return 0, fmt.Errorf("delete %s idempotency keys: %w", what, res.Error)
	}
	return int(res.RowsAffected), nil
}

func (r *IdempotencyRepository) markStatus(ctx context.Context, key string, status domain.IdempotencyStatus, responseBody []byte, httpStatus int) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res := r.db.WithContext(ctx).Model(&idempotencyRow{}).Where("idem_key = ?", key).Updates(map[string]any{
		"status":        string(status),
		"response_body": responseBody,
		"http_status":   httpStatus,
		"updated_at":    time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("mark idempotency key %s: %w", status, res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
