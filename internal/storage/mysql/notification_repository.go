package mysql

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

const defaultNotificationLimit = 50

// NotificationRepository хранит уведомления в таблице notifications.
type NotificationRepository struct {
	db *gorm.DB
}

func NewNotificationRepository(store *Store) *NotificationRepository {
	return &NotificationRepository{db: store.Gorm()}
}

func (r *NotificationRepository) Save(ctx context.Context, n domain.Notification) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	payload := string(n.Payload)
	if payload == "" {
		payload = "{}"
	}
	row := notificationRow{
		ID:        n.ID,
		Scope:     string(n.Scope),
		Type:      string(n.Type),
		Payload:   payload,
		IsRead:    n.Read,
		CreatedAt: n.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
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

	var rows []notificationRow
	if err := r.db.WithContext(ctx).
		Where("scope = ?", string(scope)).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}

	result := make([]domain.Notification, 0, len(rows))
	for _, row := range rows {
		result = append(result, domain.Notification{
			ID:        row.ID,
			Scope:     domain.Scope(row.Scope),
			Type:      domain.NotificationType(row.Type),
			Payload:   []byte(row.Payload),
			Read:      row.IsRead,
			CreatedAt: row.CreatedAt.UTC(),
		})
	}
	return result, nil
}

func (r *NotificationRepository) MarkRead(ctx context.Context, scope domain.Scope, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	db := r.db.WithContext(ctx)
	res := db.Model(&notificationRow{}).
		Where("id = ? AND scope = ?", id, string(scope)).
		Update("is_read", true)
	if res.Error != nil {
		return fmt.Errorf("mark notification read: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// Уже прочитанное уведомление MySQL не считает изменённым.
	var count int64
	if err := db.Model(&notificationRow{}).Where("id = ? AND scope = ?", id, string(scope)).Count(&count).Error; err != nil {
		return fmt.Errorf("check notification: %w", err)
	}
	if count == 0 {
		return domain.ErrNotificationNotFound
	}
	return nil
}

var _ domain.NotificationRepository = (*NotificationRepository)(nil)
