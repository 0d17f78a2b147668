package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

// IdempotencyRepository хранит ответы на POST /orders в памяти процесса.
type IdempotencyRepository struct {
	mu   sync.Mutex
	keys map[string]domain.IdempotencyRecord
	now  func() time.Time
}

func NewIdempotencyRepository() *IdempotencyRepository {
	return &IdempotencyRepository{
		keys: make(map[string]domain.IdempotencyRecord),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// CreateProcessing захватывает ключ. Живой ключ с другим hash даёт ErrIdempotencyHashMismatch,
// с тем же hash возвращается вместе с ErrIdempotencyKeyAlreadyExists. Истёкший ключ перезаписывается.
func (r *IdempotencyRepository) CreateProcessing(_ context.Context, key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	key, requestHash = strings.TrimSpace(key), strings.TrimSpace(requestHash)
	switch {
	case key == "":
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	case requestHash == "":
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if ttlAt.IsZero() {
		ttlAt = now.Add(24 * time.Hour)
	}
	if held, ok := r.keys[key]; ok && !held.Expired(now) {
		if held.RequestHash != requestHash {
			return held.Clone(), domain.ErrIdempotencyHashMismatch
		}
		return held.Clone(), domain.ErrIdempotencyKeyAlreadyExists
	}

	rec := domain.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      domain.IdempotencyStatusProcessing,
		TTLAt:       ttlAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.keys[key] = rec
	return rec.Clone(), nil
}

func (r *IdempotencyRepository) Get(_ context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.keys[key]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return rec.Clone(), nil
}

func (r *IdempotencyRepository) MarkDone(_ context.Context, key string, body []byte, httpStatus int) error {
	return r.finish(key, domain.IdempotencyStatusDone, body, httpStatus)
}

func (r *IdempotencyRepository) MarkFailed(_ context.Context, key string, body []byte, httpStatus int) error {
	return r.finish(key, domain.IdempotencyStatusFailed, body, httpStatus)
}

func (r *IdempotencyRepository) finish(key string, status domain.IdempotencyStatus, body []byte, httpStatus int) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.keys[key]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}
	rec.Status = status
	rec.ResponseBody = append([]byte(nil), body...)
	rec.HTTPStatus = httpStatus
	rec.UpdatedAt = r.now()
	r.keys[key] = rec
	return nil
}

// DeleteExpired удаляет ключи с ttl_at <= before, начиная с самых старых.
func (r *IdempotencyRepository) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if before.IsZero() {
		before = r.now()
	}
	return r.deleteWhere(limit, func(rec domain.IdempotencyRecord) (time.Time, bool) {
		return rec.TTLAt, !rec.TTLAt.After(before)
	}), nil
}

// DeleteStaleProcessing удаляет ключи в processing, не обновлявшиеся с updatedBefore.
func (r *IdempotencyRepository) DeleteStaleProcessing(_ context.Context, updatedBefore time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteWhere(limit, func(rec domain.IdempotencyRecord) (time.Time, bool) {
		return rec.UpdatedAt, rec.Status == domain.IdempotencyStatusProcessing && !rec.UpdatedAt.After(updatedBefore)
	}), nil
}

// deleteWhere вызывается под r.mu. match возвращает ключ сортировки и признак удаления.
func (r *IdempotencyRepository) deleteWhere(limit int, match func(domain.IdempotencyRecord) (time.Time, bool)) int {
	type victim struct {
		key string
		at  time.Time
	}
	var victims []victim
	for key, rec := range r.keys {
		if at, ok := match(rec); ok {
			victims = append(victims, victim{key: key, at: at})
		}
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].at.Before(victims[j].at) })
	if limit > 0 && len(victims) > limit {
		victims = victims[:limit]
	}
	for _, v := range victims {
		delete(r.keys, v.key)
	}
	return len(victims)
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
