package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

const defaultNotificationLimit = 50

// NotificationRepository хранит уведомления в таблице notifications.
type NotificationRepository struct {
	db *sql.DB
}

func NewNotificationRepository(store *Store) *NotificationRepository {
	return &NotificationRepository{db: store.DB()}
}

func (r *NotificationRepository) Save(ctx context.Context, n domain.Notification) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	payload := n.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO notifications (id, scope, type, payload, is_read, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO NOTHING
	`, n.ID, string(n.Scope), string(n.Type), string(payload), n.Read, n.CreatedAt); err != nil {
		return fmt.Errorf("save notification: %w", err)
	}
	return nil
}

// List возвращает последние уведомления scope, новые первыми.
func (r *NotificationRepository) List(ctx context.Context, scope domain.Scope, limit int) ([]domain.Notification, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = defaultNotificationLimit
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, scope, type, payload::text, is_read, created_at
		FROM notifications
		WHERE scope = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, string(scope), limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Notification, 0)
	for rows.Next() {
		var (
			n                 domain.Notification
			scopeRaw, typeRaw string
			payload           string
		)
		if err := rows.Scan(&n.ID, &scopeRaw, &typeRaw, &payload, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Scope = domain.Scope(scopeRaw)
		n.Type = domain.NotificationType(typeRaw)
		n.Payload = []byte(payload)
		n.CreatedAt = n.CreatedAt.UTC()
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return result, nil
}

func (r *NotificationRepository) MarkRead(ctx context.Context, scope domain.Scope, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET is_read = TRUE
		WHERE id = $1 AND scope = $2
	`, id, string(scope))
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrNotificationNotFound
	}
	return nil
}

var _ domain.NotificationRepository = (*NotificationRepository)(nil)
