package domain

import (
	"strings"
	"time"
)

// Scope адресует получателей уведомления: все администраторы или конкретный пользователь.
type Scope string

// ScopeAdmin — все активные админские сессии.
const ScopeAdmin Scope = "admin"

const userScopePrefix = "user:"

// UserScope возвращает scope конкретного пользователя.
func UserScope(userID string) Scope {
	return Scope(userScopePrefix + userID)
}

// UserID возвращает идентификатор пользователя для user-scope.
func (s Scope) UserID() (string, bool) {
	if !strings.HasPrefix(string(s), userScopePrefix) {
		return "", false
	}
	id := strings.TrimPrefix(string(s), userScopePrefix)
	return id, id != ""
}

// IsAdmin сообщает, что scope админский.
func (s Scope) IsAdmin() bool {
	return s == ScopeAdmin
}

// NotificationType описывает тип события изменения состояния.
type NotificationType string

const (
	NotificationNewOrder           NotificationType = "new_order"
	NotificationOrderStatusUpdated NotificationType = "order_status_updated"
	NotificationLowStock           NotificationType = "low_stock"
)

// Имена событий на проводе (SSE event / redis envelope).
const (
	EventNewOrderAlert     = "new-order-alert"
	EventAdminOrderUpdated = "admin-order-updated"
	EventLowStockAlert     = "low-stock-alert"
	EventUserDataRefresh   = "user-data-refresh"
)

// EventName возвращает имя события для заданного scope.
func EventName(scope Scope, t NotificationType) string {
	if !scope.IsAdmin() {
		return EventUserDataRefresh
	}
	switch t {
	case NotificationNewOrder:
		return EventNewOrderAlert
	case NotificationLowStock:
		return EventLowStockAlert
	default:
		return EventAdminOrderUpdated
	}
}

// NotificationPayload несёт только идентификаторы; получатель перечитывает состояние сам.
type NotificationPayload struct {
	OrderID   string        `json:"orderId,omitempty"`
	ProductID int64         `json:"productId,omitempty"`
	VariantID int64         `json:"variantId,omitempty"`
	Status    PaymentStatus `json:"status,omitempty"`
	Stock     *int32        `json:"stock,omitempty"`
}

// Envelope содержит событие, доставляемое подписчикам.
type Envelope struct {
	ID        string              `json:"id"`
	Scope     Scope               `json:"scope"`
	Event     string              `json:"event"`
	Type      NotificationType    `json:"type"`
	Payload   NotificationPayload `json:"payload"`
	Timestamp time.Time           `json:"timestamp"`
}

// Notification хранит уведомление для списка в интерфейсе.
type Notification struct {
	ID        string
	Scope     Scope
	Type      NotificationType
	Payload   []byte
	Read      bool
	CreatedAt time.Time
}
