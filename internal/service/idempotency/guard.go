package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

// DefaultTTL задаёт срок хранения ответа на повторный checkout.
const DefaultTTL = 24 * time.Hour

// Decision содержит результат захвата ключа.
type Decision struct {
	// Replay выставлен, если ответ уже сохранён и его нужно вернуть без повторной обработки.
	Replay bool
	Record domain.IdempotencyRecord
}

// Guard связывает заголовок Idempotency-Key с сохранённым ответом на POST /orders.
type Guard struct {
	repo domain.IdempotencyRepository
	ttl  time.Duration
	now  func() time.Time
}

// NewGuard создаёт guard; ttl <= 0 означает DefaultTTL.
func NewGuard(repo domain.IdempotencyRepository, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{
		repo: repo,
		ttl:  ttl,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// RequestHash — отпечаток запроса; один ключ нельзя переиспользовать для другого тела или пользователя.
func RequestHash(userID string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(userID)))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Begin захватывает ключ. Если ответ уже сохранён, возвращает его для повтора.
// Запрос, который ещё обрабатывается, даёт ErrIdempotencyKeyAlreadyExists.
func (g *Guard) Begin(ctx context.Context, key, requestHash string) (Decision, error) {
	record, err := g.repo.CreateProcessing(ctx, key, requestHash, g.now().Add(g.ttl))
	if err == nil {
		return Decision{Record: record}, nil
	}
	if errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists) && record.Replayable() {
		return Decision{Replay: true, Record: record}, nil
	}
	return Decision{}, err
}

// Complete сохраняет ответ. 5xx помечается как failed, но всё равно повторяется до истечения ttl.
func (g *Guard) Complete(ctx context.Context, key string, httpStatus int, body []byte) error {
	if httpStatus >= http.StatusInternalServerError {
		if err := g.repo.MarkFailed(ctx, key, body, httpStatus); err != nil {
			return fmt.Errorf("mark idempotency key failed: %w", err)
		}
		return nil
	}
	if err := g.repo.MarkDone(ctx, key, body, httpStatus); err != nil {
		return fmt.Errorf("mark idempotency key done: %w", err)
	}
	return nil
}
