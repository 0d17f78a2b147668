package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

// NotificationRepository хранит уведомления в памяти процесса.
type NotificationRepository struct {
	mu    sync.RWMutex
	items map[string]domain.Notification
}

func NewNotificationRepository() *NotificationRepository {
	return &NotificationRepository{items: make(map[string]domain.Notification)}
}

func (r *NotificationRepository) Save(_ context.Context, n domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n.Payload = append([]byte(nil), n.Payload...)
	r.items[n.ID] = n
	return nil
}

// List возвращает уведомления scope, новые первыми.
func (r *NotificationRepository) List(_ context.Context, scope domain.Scope, limit int) ([]domain.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Notification, 0)
	for _, n := range r.items {
		if n.Scope == scope {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *NotificationRepository) MarkRead(_ context.Context, scope domain.Scope, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.items[id]
	if !ok || n.Scope != scope {
		return domain.ErrNotificationNotFound
	}
	n.Read = true
	r.items[id] = n
	return nil
}

var _ domain.NotificationRepository = (*NotificationRepository)(nil)
